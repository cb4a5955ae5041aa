package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// signatureTTL bounds how long a stored thought signature stays usable
const signatureTTL = 2 * time.Hour

// SetLastSignature stores the most recent thought signature so other gateway
// processes can replay assistant tool calls that lost theirs.
func (c *Client) SetLastSignature(ctx context.Context, signature string) error {
	return c.rdb.Set(ctx, keyLastSignature, signature, signatureTTL).Err()
}

// GetLastSignature retrieves the most recent thought signature; empty when absent
func (c *Client) GetLastSignature(ctx context.Context) (string, error) {
	result, err := c.rdb.Get(ctx, keyLastSignature).Result()
	if err == redis.Nil {
		return "", nil
	}
	return result, err
}
