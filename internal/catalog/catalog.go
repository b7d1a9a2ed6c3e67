package catalog

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"claude-chat/internal/models"
)

// ErrUnknownModel indicates the requested model is not registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// DefaultModel is selected for new sessions unless configuration overrides it.
const DefaultModel = "claude-3-haiku-20240307"

// VerifyModel is the cheapest model, used to check a credential.
const VerifyModel = "claude-3-haiku-20240307"

var builtin = []models.ModelDescriptor{
	{
		ID:               "claude-opus-4-20250514",
		DisplayName:      "Claude Opus 4",
		Description:      "Our most capable model",
		SupportsThinking: true,
		CanReason:        true,
		MaxOutputTokens:  32000,
		ContextWindow:    "200K",
		Pricing:          models.Pricing{Input: "$15 / MTok", Output: "$75 / MTok"},
	},
	{
		ID:               "claude-sonnet-4-20250514",
		DisplayName:      "Claude Sonnet 4",
		Description:      "High-performance model",
		SupportsThinking: true,
		CanReason:        true,
		MaxOutputTokens:  64000,
		ContextWindow:    "200K",
		Pricing:          models.Pricing{Input: "$3 / MTok", Output: "$15 / MTok"},
	},
	{
		ID:               "claude-3-7-sonnet-20250219",
		DisplayName:      "Claude 3.7 Sonnet",
		Description:      "High-performance model with early extended thinking",
		SupportsThinking: true,
		CanReason:        true,
		MaxOutputTokens:  64000,
		ContextWindow:    "200K",
		Pricing:          models.Pricing{Input: "$3 / MTok", Output: "$15 / MTok"},
	},
	{
		ID:              "claude-3-5-sonnet-20241022",
		DisplayName:     "Claude 3.5 Sonnet",
		Description:     "Our previous intelligent model",
		CanReason:       true,
		MaxOutputTokens: 8192,
		ContextWindow:   "200K",
		Pricing:         models.Pricing{Input: "$3 / MTok", Output: "$15 / MTok"},
	},
	{
		ID:              "claude-3-5-haiku-20241022",
		DisplayName:     "Claude 3.5 Haiku",
		Description:     "Our fastest model",
		MaxOutputTokens: 8192,
		ContextWindow:   "200K",
		Pricing:         models.Pricing{Input: "$0.80 / MTok", Output: "$4 / MTok"},
	},
	{
		ID:              "claude-3-opus-20240229",
		DisplayName:     "Claude 3 Opus",
		Description:     "Powerful model for complex tasks",
		CanReason:       true,
		MaxOutputTokens: 4096,
		ContextWindow:   "200K",
		Pricing:         models.Pricing{Input: "$15 / MTok", Output: "$75 / MTok"},
	},
	{
		ID:              "claude-3-haiku-20240307",
		DisplayName:     "Claude 3 Haiku",
		Description:     "Fast and compact model for near-instant responsiveness",
		MaxOutputTokens: 4096,
		ContextWindow:   "200K",
		Pricing:         models.Pricing{Input: "$0.25 / MTok", Output: "$1.25 / MTok"},
	},
}

// Catalog maps model identifiers and aliases to descriptors.
// Registration happens at startup; afterwards the catalog is only read.
type Catalog struct {
	mu      sync.RWMutex
	order   []string
	models  map[string]models.ModelDescriptor
	aliases map[string]string
}

// New constructs a catalog pre-populated with the builtin models.
func New() *Catalog {
	c := Empty()
	for _, d := range builtin {
		// builtin ids are unique
		_ = c.Register(d)
	}
	return c
}

// Empty constructs a catalog with no models.
func Empty() *Catalog {
	return &Catalog{
		models:  make(map[string]models.ModelDescriptor),
		aliases: make(map[string]string),
	}
}

// Register adds a descriptor to the catalog.
func (c *Catalog) Register(d models.ModelDescriptor) error {
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return errors.New("model id must not be empty")
	}
	d.ID = id

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.models[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModel, id)
	}
	if _, exists := c.aliases[id]; exists {
		return fmt.Errorf("model %q conflicts with existing alias", id)
	}
	c.models[id] = d
	c.order = append(c.order, id)
	return nil
}

// RegisterAliases wires alternative names onto registered models.
func (c *Catalog) RegisterAliases(aliases map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for alias, target := range aliases {
		if _, exists := c.models[alias]; exists {
			return fmt.Errorf("alias %q conflicts with existing model", alias)
		}
		if _, ok := c.models[target]; !ok {
			return fmt.Errorf("alias %q references unknown model %q", alias, target)
		}
		c.aliases[alias] = target
	}
	return nil
}

// Lookup returns the descriptor for a model id or alias.
func (c *Catalog) Lookup(modelID string) (models.ModelDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if target, ok := c.aliases[modelID]; ok {
		modelID = target
	}
	d, ok := c.models[modelID]
	if !ok {
		return models.ModelDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return d, nil
}

// List returns all descriptors in registration order.
func (c *Catalog) List() []models.ModelDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.ModelDescriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.models[id])
	}
	return out
}

// Label formats a model for display, falling back to the raw id.
func (c *Catalog) Label(modelID string) string {
	d, err := c.Lookup(modelID)
	if err != nil {
		return modelID
	}
	return d.Label()
}

// SupportsThinking reports whether the model is known and accepts extended thinking.
func (c *Catalog) SupportsThinking(modelID string) bool {
	d, err := c.Lookup(modelID)
	if err != nil {
		return false
	}
	return d.SupportsThinking
}
