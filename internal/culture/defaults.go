package culture

import (
	"math/rand/v2"

	"github.com/kingrea/agora/internal/llm"
)

// DefaultRegistry installs the built-in modules. client backs the LLM
// modules; rng drives obscurity scrambling.
func DefaultRegistry(client llm.Client, rng *rand.Rand) *Registry {
	reg := NewRegistry()
	reg.MustRegister(NewObscurity(rng))
	reg.MustRegister(NewEloquence(client))
	reg.MustRegister(NewRitual(client))
	reg.MustRegister(NewValues(client))
	reg.MustRegister(Diversity{})
	return reg
}
