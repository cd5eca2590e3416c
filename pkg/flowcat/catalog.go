package flowcat

import (
	"sync"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/logger"
	"github.com/sipeed/wadesk/pkg/store"
)

// FlowStore is the persistence contract Catalog needs — satisfied by
// *store.Store.
type FlowStore interface {
	GetFlow(id string) (*store.FlowRow, error)
	ListPublishedFlows() ([]*store.FlowRow, error)
	SaveFlow(f *store.FlowRow) error
}

// Catalog caches parsed, validated flows in memory and resolves the
// entry flow for a newly inbound conversation.
type Catalog struct {
	db FlowStore

	mu          sync.RWMutex
	flows       map[string]*Flow // flow id -> parsed
	defaultFlow string           // global fallback entry flow id
	entryRules  map[string]string // channel_connection_id -> flow id
}

func NewCatalog(db FlowStore, defaultFlowID string) *Catalog {
	return &Catalog{
		db:          db,
		flows:       make(map[string]*Flow),
		defaultFlow: defaultFlowID,
		entryRules:  make(map[string]string),
	}
}

// Load parses every published flow from the store into memory,
// rejecting the whole reload if any single flow fails validation — a
// half-loaded catalog is worse than a stale one.
func (c *Catalog) Load() error {
	rows, err := c.db.ListPublishedFlows()
	if err != nil {
		return err
	}

	parsed := make(map[string]*Flow, len(rows))
	for _, row := range rows {
		f, err := ParseDefinition([]byte(row.DefinitionJSON))
		if err != nil {
			return errs.Wrap(errs.KindValidation, "load flow "+row.ID, err)
		}
		if err := f.Validate(); err != nil {
			return errs.Wrap(errs.KindValidation, "validate flow "+row.ID, err)
		}
		parsed[row.ID] = f
	}

	c.mu.Lock()
	c.flows = parsed
	c.mu.Unlock()
	logger.InfoCF("flowcat", "catalog loaded", map[string]interface{}{"flow_count": len(parsed)})
	return nil
}

func (c *Catalog) Get(flowID string) (*Flow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.flows[flowID]
	return f, ok
}

// SetEntryRule maps a channel connection to the flow that should start
// for its unassigned inbound conversations.
func (c *Catalog) SetEntryRule(channelConnectionID, flowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryRules[channelConnectionID] = flowID
}

// ResolveEntry returns the flow that should start a fresh conversation
// on channelConnectionID: the connection's own entry rule if one is
// set, else the catalog's global default.
func (c *Catalog) ResolveEntry(channelConnectionID string) (*Flow, bool) {
	c.mu.RLock()
	flowID, hasRule := c.entryRules[channelConnectionID]
	if !hasRule {
		flowID = c.defaultFlow
	}
	f, ok := c.flows[flowID]
	c.mu.RUnlock()
	return f, ok
}

// Publish validates and persists a flow, then hot-reloads it into the
// in-memory catalog.
func (c *Catalog) Publish(f *Flow, definitionJSON string) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if err := c.db.SaveFlow(&store.FlowRow{
		ID:             f.ID,
		Name:           f.Name,
		Version:        f.Version,
		IsPublished:    true,
		DefinitionJSON: definitionJSON,
	}); err != nil {
		return err
	}
	c.mu.Lock()
	c.flows[f.ID] = f
	c.mu.Unlock()
	return nil
}
