package billing

import (
	"context"
	"path"
	"strings"

	"github.com/dmitrymomot/paygate/pkg/file"
	"github.com/dmitrymomot/paygate/pkg/reconcile"
)

// Archive writes raw webhook payloads to object storage under
// <prefix>/<provider>/<yyyy>/<mm>/<dd>/<event id>.json.
type Archive struct {
	store  file.Storage
	prefix string
}

func NewArchive(store file.Storage, prefix string) *Archive {
	if store == nil {
		panic("billing: archive storage is required")
	}
	return &Archive{store: store, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key of ev.
func (a *Archive) Key(ev reconcile.Event) string {
	day := ev.OccurredAt.UTC().Format("2006/01/02")
	id := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(ev.ID)
	return path.Join(a.prefix, string(ev.Provider), day, id+".json")
}

func (a *Archive) Store(ctx context.Context, ev reconcile.Event) error {
	if len(ev.Payload) == 0 {
		return nil
	}
	return a.store.Put(ctx, a.Key(ev), ev.Payload, "application/json")
}
