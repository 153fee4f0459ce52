package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"easel/collab/internal/access"
	"easel/collab/internal/relay"
	"easel/collab/internal/session"
)

// HTTPServer exposes the relay over HTTP: a health probe, per-deck
// stats, and the websocket endpoint participants connect to.
type HTTPServer struct {
	service    *Service
	corsOrigin string
	upgrader   websocket.Upgrader
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if corsOrigin == "*" {
					return true
				}
				return r.Header.Get("Origin") == corsOrigin
			},
		},
	}
}

// Handler builds the router.
func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/decks/{deckID}/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/ws/{deckID}", s.handleWS).Methods(http.MethodGet)
	return s.withRequestLog(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.service.registry != nil {
		if err := s.service.registry.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "redis_unreachable", err.Error())
			return
		}
		status["redis"] = "ok"
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	deckID := mux.Vars(r)["deckID"]
	stats, err := s.service.Stats(r.Context(), deckID)
	if err != nil {
		var de *DomainError
		if errors.As(err, &de) {
			writeError(w, de.Status, de.Code, de.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, "stats_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleWS bridges one participant onto the deck's transport. The
// capability in the share link's query is enforced here too: envelopes
// that mutate state are dropped from read-only connections.
func (s *HTTPServer) handleWS(w http.ResponseWriter, r *http.Request) {
	deckID := mux.Vars(r)["deckID"]
	policy := access.ParseCapability(r.URL.Query())

	hub, err := s.service.Deck(r.Context(), deckID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "deck_unavailable", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	connID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer conn.Close()

	if s.service.registry != nil {
		info := session.ConnInfo{Name: r.URL.Query().Get("name")}
		if err := s.service.registry.Register(ctx, deckID, connID, info); err != nil {
			log.Printf("register conn %s: %v", connID, err)
		}
		go s.refreshLoop(ctx, deckID, connID)
		defer func() {
			if err := s.service.registry.Deregister(context.Background(), deckID, connID); err != nil {
				log.Printf("deregister conn %s: %v", connID, err)
			}
		}()
	}

	var writeMu sync.Mutex
	cancelRecv, err := hub.transport.Receive(ctx, func(env relay.Envelope) {
		payload, err := json.Marshal(env)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			cancel()
		}
	})
	if err != nil {
		log.Printf("attach conn %s to deck %s: %v", connID, deckID, err)
		return
	}
	defer cancelRecv()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env relay.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			continue
		}
		env.DeckID = deckID
		if policy.ReadOnly && mutates(env.Kind) {
			continue
		}
		if err := hub.transport.Send(ctx, env); err != nil {
			log.Printf("forward %s from conn %s: %v", env.Kind, connID, err)
		}
	}
}

// mutates reports whether an envelope kind changes replicated state.
// Presence and the join handshake are allowed on read-only links.
func mutates(kind relay.Kind) bool {
	switch kind {
	case relay.KindText, relay.KindDeck, relay.KindState:
		return true
	}
	return false
}

func (s *HTTPServer) refreshLoop(ctx context.Context, deckID, connID string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.service.registry.Refresh(ctx, deckID, connID); err != nil {
				log.Printf("refresh conn %s: %v", connID, err)
			}
		}
	}
}

func (s *HTTPServer) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade reach through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":  code,
		"error": message,
	})
}
