package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"synnergy-network/core"
)

// heightView and mempoolTxView are the JSON shapes served by the read-only
// RPC, mirroring the teacher's dexserver/xchainserver poolView pattern: a
// small public projection of internal state, never the internal types
// themselves.
type heightView struct {
	Height int    `json:"height"`
	Tip    string `json:"tip"`
}

type mempoolTxView struct {
	Hash string `json:"hash"`
	Type string `json:"type"`
	Size int    `json:"size"`
}

// newRPCRouter builds the read-only RPC query surface against the mempool
// and chain height without pulling in a full API layer, which is out of
// scope.
func newRPCRouter(ledger *core.Ledger) http.Handler {
	r := chi.NewRouter()
	r.Get("/height", func(w http.ResponseWriter, _ *http.Request) {
		hash, _ := ledger.CurrentBlockHash()
		writeJSON(w, heightView{Height: ledger.Height(), Tip: hash.String()})
	})
	r.Get("/mempool", func(w http.ResponseWriter, _ *http.Request) {
		txs := ledger.Mempool().Iter()
		out := make([]mempoolTxView, 0, len(txs))
		for _, tx := range txs {
			out = append(out, mempoolTxView{
				Hash: tx.Hash().String(),
				Type: tx.Type.String(),
				Size: tx.Size(),
			})
		}
		writeJSON(w, out)
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("rpc: failed to encode response")
	}
}

// serveRPC starts the read-only query server in the background if enabled,
// returning a shutdown func that is always safe to call.
func serveRPC(cfg rpcConfig, ledger *core.Ledger) func() {
	if !cfg.enabled {
		return func() {}
	}
	addr := cfg.addr
	if addr == "" {
		addr = "127.0.0.1:8082"
	}
	srv := &http.Server{Addr: addr, Handler: newRPCRouter(ledger)}
	go func() {
		logrus.WithField("addr", addr).Info("rpc server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("rpc server stopped")
		}
	}()
	return func() { _ = srv.Close() }
}

type rpcConfig struct {
	enabled bool
	addr    string
}
