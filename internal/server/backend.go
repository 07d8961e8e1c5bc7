package server

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/internal/core/reconcile"
	"github.com/dep2p/go-msgsync/internal/core/sequence"
	"github.com/dep2p/go-msgsync/internal/core/sequence/kvseq"
	"github.com/dep2p/go-msgsync/internal/core/sequence/sqlstore"
	"github.com/dep2p/go-msgsync/internal/core/storage"
)

// Backend 序号与同步状态存储
type Backend interface {
	sequence.Store
	reconcile.StateStore
}

// OpenBackend 按配置打开序号存储
//
//	sqlite: <DataDir>/sequence.db
//	badger: <DataDir>/badger
func OpenBackend(ctx context.Context, cfg config.RelayConfig) (Backend, error) {
	switch cfg.SequenceBackend {
	case config.SequenceSQLite, "":
		return sqlstore.Open(ctx, cfg.DataDir)
	case config.SequenceBadger:
		eng, err := storage.NewEngine(storage.DefaultConfig().WithPath(filepath.Join(cfg.DataDir, "badger")))
		if err != nil {
			return nil, err
		}
		if err := eng.Start(); err != nil {
			_ = eng.Close()
			return nil, err
		}
		return kvseq.NewOwned(eng), nil
	default:
		return nil, fmt.Errorf("unknown sequence backend %q", cfg.SequenceBackend)
	}
}
