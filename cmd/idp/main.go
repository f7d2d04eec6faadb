package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/federata/samlidp/internal/authn"
	"github.com/federata/samlidp/internal/cli"
	"github.com/federata/samlidp/internal/config"
	"github.com/federata/samlidp/internal/httpd"
)

const sessionTTL = 8 * time.Hour

type runtimeState struct {
	mu sync.RWMutex
	rt *httpd.Runtime
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "cert" {
		if err := cli.RunCert(os.Args[2:]); err != nil {
			log.Fatal(err)
		}
		return
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "example.config.yaml"
	}

	clock := clockwork.NewRealClock()
	state := &runtimeState{}
	load := func() {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		if v := os.Getenv("OIDC_CLIENT_SECRET"); v != "" {
			cfg.OIDC.ClientSecret = v
		}
		if v := os.Getenv("SESSION_JWT_SECRET"); v != "" {
			cfg.Session.JWTSecret = v
		}
		if err := cfg.Validate(); err != nil {
			log.Fatalf("invalid config: %v", err)
		}

		var (
			backend authn.Backend
			oidc    *authn.OIDCBackend
		)
		if cfg.OIDC.Issuer != "" {
			oidc, err = authn.NewOIDCBackend(context.Background(), cfg.OIDC, cfg.Server.ExternalURL, clock)
			if err != nil {
				log.Fatalf("oidc backend: %v", err)
			}
			backend = oidc
		} else {
			backend = authn.NewStaticBackend(cfg.Users, sessionTTL, clock)
		}

		rt, err := httpd.BuildRuntime(cfg, backend, oidc, clock)
		if err != nil {
			log.Fatalf("build runtime: %v", err)
		}

		state.mu.Lock()
		state.rt = rt
		state.mu.Unlock()
		log.Printf("loaded config; entity_id=%s active signing key=%s sps=%d",
			rt.EntityID(), cfg.Crypto.ActiveKey, len(cfg.SPs))
	}
	load()

	handler := httpd.New(func() *httpd.Runtime {
		state.mu.RLock()
		defer state.mu.RUnlock()
		return state.rt
	})

	go func() {
		state.mu.RLock()
		listen := state.rt.Cfg.Server.Listen
		state.mu.RUnlock()
		log.Printf("listening on %s", listen)
		log.Fatal(http.ListenAndServe(listen, handler))
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP)
	go func() {
		for range sigc {
			load()
		}
	}()

	w, err := fsnotify.NewWatcher()
	if err == nil {
		defer w.Close()
		_ = w.Add(cfgPath)
		go func() {
			for {
				select {
				case e := <-w.Events:
					if e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
						load()
					}
				case err := <-w.Errors:
					if err != nil {
						log.Printf("watch error: %v", err)
					}
				}
			}
		}()
	}

	select {}
}
