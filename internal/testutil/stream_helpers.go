package testutil

import (
	"context"

	"github.com/Belphemur/ImageCache/internal/models"
)

// CollectResults reads n results from stream or fails when ctx ends first.
// This is a test helper and should not be used in production code.
func CollectResults(ctx context.Context, stream <-chan models.LoadResult, n int) ([]models.LoadResult, error) {
	results := make([]models.LoadResult, 0, n)
	for len(results) < n {
		select {
		case res, ok := <-stream:
			if !ok {
				return results, nil
			}
			results = append(results, res)
		case <-ctx.Done():
			return results, ctx.Err()
		}
	}
	return results, nil
}
