package product

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
)

const (
	sharedKeyBytes    = 64
	sharedKeyAttempts = 10
	maskedPrefixLen   = 16
)

func randRead(b []byte) (int, error) {
	return rand.Read(b)
}

// SharedKeyResult carries a freshly generated key. The key is only ever returned here.
type SharedKeyResult struct {
	ProductID         int64
	ProductName       string
	SharedKey         string
	PreviousKeyMasked *string
}

// GenerateSharedKey replaces the product's shared key with a new unique secret.
func (s *Service) GenerateSharedKey(ctx context.Context, id int64) (*SharedKeyResult, error) {
	product, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	key, err := s.uniqueKey(ctx)
	if err != nil {
		return nil, err
	}

	var masked *string
	if old := currentKey(product); old != "" {
		m := mask(old)
		masked = &m
	}
	product.SharedKey = &key
	env := domain.CopyEnv(product.EnvVars)
	env[domain.SharedKeyEnv] = key
	product.EnvVars = env
	if err := s.products.UpdateProduct(ctx, product); err != nil {
		return nil, fmt.Errorf("store shared key: %w", err)
	}

	var oldValue any
	if masked != nil {
		oldValue = *masked
	}
	s.logger.Info("shared key generated", "product_id", product.ID)
	s.emit(ctx, product, "shared_key_generated", domain.SeverityInfo, "Shared key generated for "+product.Name, nil,
		"generate_shared_key", map[string]domain.Change{"shared_key": {Old: oldValue, New: "generated"}}, nil)
	return &SharedKeyResult{
		ProductID:         product.ID,
		ProductName:       product.Name,
		SharedKey:         key,
		PreviousKeyMasked: masked,
	}, nil
}

func (s *Service) uniqueKey(ctx context.Context) (string, error) {
	buf := make([]byte, sharedKeyBytes)
	for attempt := 0; attempt < sharedKeyAttempts; attempt++ {
		if _, err := s.randRead(buf); err != nil {
			return "", fmt.Errorf("generate shared key: %w", err)
		}
		key := hex.EncodeToString(buf)
		exists, err := s.products.SharedKeyExists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("check shared key: %w", err)
		}
		if !exists {
			return key, nil
		}
	}
	return "", domain.Internalf(nil, "Failed to generate unique shared key after multiple attempts")
}

func currentKey(p *domain.Product) string {
	if p.SharedKey != nil && *p.SharedKey != "" {
		return *p.SharedKey
	}
	return p.ConfiguredSharedKey()
}

func mask(key string) string {
	if len(key) <= maskedPrefixLen {
		return key + "..."
	}
	return key[:maskedPrefixLen] + "..."
}
