package memory

import (
	"testing"

	"github.com/logflow/ekg/pkg/graph"
	"github.com/logflow/ekg/pkg/graph/graphtest"
)

func TestStoreContract(t *testing.T) {
	graphtest.Run(t, func(t *testing.T) graph.Store { return New() })
}
