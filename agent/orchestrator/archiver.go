package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	statex "github.com/caresched/medibot/agent/state"
	qstashx "github.com/caresched/medibot/pkg/qstash"
)

// QueueArchiver ships finished sessions to a QStash destination so an
// offline consumer can file them, instead of losing them when the live
// store entry is deleted.
type QueueArchiver struct {
	client      *qstashx.Client
	destination string
}

func NewQueueArchiver(client *qstashx.Client, destination string) (*QueueArchiver, error) {
	if client == nil {
		return nil, errors.New("qstash client is required")
	}
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, errors.New("archive destination is required")
	}
	return &QueueArchiver{client: client, destination: destination}, nil
}

// archiveRecord is the queue message envelope; the version field lets the
// consumer evolve independently of this process.
type archiveRecord struct {
	Version    int             `json:"version"`
	ArchivedAt time.Time       `json:"archived_at"`
	Session    *statex.Session `json:"session"`
}

func (a *QueueArchiver) Archive(ctx context.Context, sess *statex.Session) error {
	if sess == nil {
		return errors.New("cannot archive a nil session")
	}
	payload, err := json.Marshal(archiveRecord{
		Version:    1,
		ArchivedAt: time.Now().UTC(),
		Session:    sess,
	})
	if err != nil {
		return fmt.Errorf("marshal archive record: %w", err)
	}
	return a.client.Publish(ctx, a.destination, payload)
}
