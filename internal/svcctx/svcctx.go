// Package svcctx provides service context for dependency injection via context.
// This package is separate from the cmd layer so that internal packages
// never import cmd/guidectl.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/owlpress/guideline-pipeline/internal/artifactstore"
	"github.com/owlpress/guideline-pipeline/internal/config"
	"github.com/owlpress/guideline-pipeline/internal/home"
	"github.com/owlpress/guideline-pipeline/internal/jobdb"
	"github.com/owlpress/guideline-pipeline/internal/joblock"
	"github.com/owlpress/guideline-pipeline/internal/providers"
)

// Services holds all core services that flow through context. Components
// extract what they need via the individual extractors rather than
// depending on Services directly.
type Services struct {
	Store    artifactstore.Store
	DB       *jobdb.Store
	Lock     *joblock.Service
	Registry *providers.Registry
	Config   *config.Manager
	Home     *home.Dir
	Logger   *slog.Logger
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context. Returns nil
// if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// StoreFrom extracts the artifact store from context.
func StoreFrom(ctx context.Context) artifactstore.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// DBFrom extracts the relational store from context.
func DBFrom(ctx context.Context) *jobdb.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.DB
	}
	return nil
}

// LockFrom extracts the job lock service from context.
func LockFrom(ctx context.Context) *joblock.Service {
	if s := ServicesFrom(ctx); s != nil {
		return s.Lock
	}
	return nil
}

// RegistryFrom extracts the provider registry from context.
func RegistryFrom(ctx context.Context) *providers.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Registry
	}
	return nil
}

// ConfigFrom extracts the config manager from context.
func ConfigFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Config
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}

// LoggerFrom extracts the logger from context, falling back to the
// default logger so callers never need a nil check.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
