package storage

import (
	"encoding/json"
	"fmt"

	"sessiond/internal/crypto"
	"sessiond/internal/models"
)

// Codec serializes conversation history and metadata to the opaque blobs
// that record-oriented backends (file, relational, KV) persist. With an
// encryption service attached the blobs are sealed per tenant; adapters
// never see plaintext either way, they just store what they are given.
type Codec struct {
	enc *crypto.EncryptionService
}

// NewCodec returns a plaintext codec when enc is nil, an encrypting codec
// otherwise.
func NewCodec(enc *crypto.EncryptionService) *Codec {
	return &Codec{enc: enc}
}

// EncodeHistory serializes a message sequence. Order is preserved exactly.
func (c *Codec) EncodeHistory(tenantID string, history []models.Message) (string, error) {
	if history == nil {
		history = []models.Message{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("marshal history: %w", err)
	}
	return c.seal(tenantID, data)
}

// DecodeHistory is the inverse of EncodeHistory.
func (c *Codec) DecodeHistory(tenantID, blob string) ([]models.Message, error) {
	data, err := c.open(tenantID, blob)
	if err != nil {
		return nil, err
	}
	var history []models.Message
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return history, nil
}

// EncodeMetadata serializes the metadata map without interpreting keys.
func (c *Codec) EncodeMetadata(tenantID string, meta map[string]any) (string, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return c.seal(tenantID, data)
}

// DecodeMetadata is the inverse of EncodeMetadata.
func (c *Codec) DecodeMetadata(tenantID, blob string) (map[string]any, error) {
	data, err := c.open(tenantID, blob)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return meta, nil
}

func (c *Codec) seal(tenantID string, data []byte) (string, error) {
	if c.enc == nil {
		return string(data), nil
	}
	sealed, err := c.enc.Encrypt(tenantID, data)
	if err != nil {
		return "", fmt.Errorf("encrypt blob: %w", err)
	}
	return sealed, nil
}

func (c *Codec) open(tenantID, blob string) ([]byte, error) {
	if c.enc == nil {
		return []byte(blob), nil
	}
	data, err := c.enc.Decrypt(tenantID, blob)
	if err != nil {
		return nil, fmt.Errorf("decrypt blob: %w", err)
	}
	return data, nil
}
