package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/austindbirch/parcelhook/internal/auth"
	"github.com/austindbirch/parcelhook/internal/config"
	"github.com/austindbirch/parcelhook/internal/faults"
	"github.com/austindbirch/parcelhook/internal/health"
)

func TestConsumerConfig(t *testing.T) {
	conf := consumerConfig(50)
	if conf.MaxInFlight != 50 {
		t.Errorf("MaxInFlight = %d, want 50", conf.MaxInFlight)
	}
	if conf.MaxAttempts != 0 {
		t.Errorf("MaxAttempts = %d, want 0", conf.MaxAttempts)
	}
	if conf.MaxRequeueDelay != time.Hour {
		t.Errorf("MaxRequeueDelay = %v, want 1h", conf.MaxRequeueDelay)
	}
	if err := conf.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestNewSigner(t *testing.T) {
	priv, _, err := auth.GenerateKeyPair(2048)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		key        string
		wantSigner bool
		wantErr    bool
	}{
		{name: "disabled", key: ""},
		{name: "configured", key: string(priv), wantSigner: true},
		{name: "bad key", key: "garbage", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := newSigner(config.Relay{SigningKey: tt.key, TokenIssuer: "https://accounts.google.com"}, "tasks@local")
			if tt.wantErr {
				if !faults.Is(err, faults.Config) {
					t.Errorf("newSigner() error = %v, want config fault", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("newSigner() error = %v", err)
			}
			if (s != nil) != tt.wantSigner {
				t.Errorf("newSigner() = %v, want signer %v", s, tt.wantSigner)
			}
		})
	}
}

func TestNewMux(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		path       string
		wantStatus int
	}{
		{name: "healthy", path: "/healthz", wantStatus: http.StatusOK},
		{name: "nsqd down", pingErr: errors.New("not connected"), path: "/healthz", wantStatus: http.StatusServiceUnavailable},
		{name: "metrics", path: "/metrics", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newMux(health.PingFunc(func(context.Context) error { return tt.pingErr }))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}
