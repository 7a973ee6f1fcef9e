package testkit

import (
	"context"

	"github.com/agenthands/blockserve/pkg/core"
	"github.com/agenthands/blockserve/pkg/pack"
)

// CountUniqueBlocks returns the number of distinct CIDs across all sealed
// packs of pm.
func CountUniqueBlocks(ctx context.Context, pm pack.Manager) (int, error) {
	unique := make(map[string]struct{})
	sealed := pm.ListSealedPacks()

	for _, pid := range sealed {
		err := pm.IteratePackBlocks(ctx, pid, func(c core.CID) error {
			unique[string(c.Bytes)] = struct{}{}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	return len(unique), nil
}
