package cmds

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/tutor-chat/pkg/config"
	"github.com/go-go-golems/tutor-chat/pkg/persistence/chatstore"
)

// openStore opens the sqlite thread store. A plain path is turned into a DSN
// and its directory is created.
func openStore(cfg *config.Config) (*chatstore.SQLiteTranscriptStore, error) {
	dsn := strings.TrimSpace(cfg.Store.DSN)
	if dsn == "" {
		path, err := config.DefaultDBPath()
		if err != nil {
			return nil, err
		}
		dsn = path
	}
	if !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, errors.Wrap(err, "create store directory")
		}
		var err error
		dsn, err = chatstore.SQLiteTranscriptDSNForFile(dsn)
		if err != nil {
			return nil, err
		}
	}
	return chatstore.NewSQLiteTranscriptStore(dsn)
}

// openStoreFor opens the store named by db, falling back to store.dsn.
func (a *app) openStoreFor(db string) (*chatstore.SQLiteTranscriptStore, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	if db = strings.TrimSpace(db); db != "" {
		cfg.Store.DSN = db
	}
	return openStore(cfg)
}
