// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rhizolab/rhizo-server/access"
	"github.com/rhizolab/rhizo-server/lib/clock"
	"github.com/rhizolab/rhizo-server/resource"
	"github.com/rhizolab/rhizo-server/revision"
	"github.com/rhizolab/rhizo-server/sequence"
)

// Config holds the dependencies for a Server.
type Config struct {
	// Resources, Revisions, and Recorder are the domain stores the API
	// operates on. All required.
	Resources *resource.Store
	Revisions *revision.Store
	Recorder  *sequence.Recorder

	// Clock supplies timestamps. Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Server is the REST handler set.
type Server struct {
	resources *resource.Store
	revisions *revision.Store
	recorder  *sequence.Recorder
	clock     clock.Clock
	logger    *slog.Logger
}

// NewServer creates a Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Resources == nil || cfg.Revisions == nil || cfg.Recorder == nil {
		return nil, fmt.Errorf("api: Resources, Revisions, and Recorder are required")
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		resources: cfg.Resources,
		revisions: cfg.Revisions,
		recorder:  cfg.Recorder,
		clock:     c,
		logger:    logger,
	}, nil
}

// Router builds the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.withActor)
	r.Route("/api/v1", func(r chi.Router) {
		r.Put("/sequences", s.handleBatchUpdate)
		r.Route("/resources", func(r chi.Router) {
			r.Get("/*", s.handleGet)
			r.Post("/*", s.handleCreate)
			r.Put("/*", s.handleUpdate)
			r.Delete("/*", s.handleDelete)
		})
	})
	return r
}

type actorKey struct{}

// withActor resolves the request's identity. Requests without
// credentials proceed as the anonymous actor; bad credentials are
// rejected outright.
func (s *Server) withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := access.Anonymous
		username, password, ok := r.BasicAuth()
		if ok && password != "" {
			var err error
			if strings.HasPrefix(password, "k-") {
				actor, err = s.resources.AuthenticateKey(r.Context(), password)
			} else {
				var user *resource.User
				user, err = s.resources.AuthenticateUser(r.Context(), username, password)
				if err == nil {
					actor, err = s.resources.ActorForUser(r.Context(), user.ID)
				}
			}
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="rhizo-server"`)
				writeError(w, http.StatusUnauthorized, "authentication failed")
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(ctx context.Context) access.Actor {
	actor, _ := ctx.Value(actorKey{}).(access.Actor)
	return actor
}

// levelFor evaluates the request actor's access to a resource.
func (s *Server) levelFor(ctx context.Context, resourceID int64) (access.Level, error) {
	perms, err := s.resources.EffectivePermissions(ctx, resourceID)
	if err != nil {
		return access.LevelNone, err
	}
	return access.Evaluate(perms, actorFrom(ctx)), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// notFound is the uniform read-path failure: missing and forbidden
// resources are indistinguishable.
func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

// writeStoreError maps store errors onto status codes for write paths.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resource.ErrNotFound), errors.Is(err, revision.ErrNotFound):
		notFound(w)
	case errors.Is(err, resource.ErrExists):
		writeError(w, http.StatusConflict, "name already in use")
	case errors.Is(err, resource.ErrInvalidName),
		errors.Is(err, resource.ErrNotFolder),
		errors.Is(err, resource.ErrCycle):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// requestPath returns the resource path addressed by the request.
func requestPath(r *http.Request) string {
	return "/" + strings.Trim(chi.URLParam(r, "*"), "/")
}
