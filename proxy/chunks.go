package proxy

import (
	"encoding/hex"
	"errors"
	"fmt"
)

const defaultChunkSize = 512000

type ChunkPayload struct {
	ModelName   string `json:"model_name"`
	ChunkIdx    int    `json:"chunk_idx"`
	TotalChunks int    `json:"total_chunks"`
	Data        []byte `json:"data"`
	Checksum    string `json:"checksum"`
}

func (c *ChunkPayload) Validate() error {
	if c.ModelName == "" {
		return errors.New("chunk validation: model_name is required but missing")
	}
	if c.ChunkIdx < 0 || c.TotalChunks <= 0 {
		return fmt.Errorf("chunk validation: invalid chunk_idx (%d) or total_chunks (%d)", c.ChunkIdx, c.TotalChunks)
	}
	if len(c.Data) == 0 {
		return errors.New("chunk validation: data is empty")
	}

	if c.Checksum != "" {
		if len(c.Checksum) != 64 {
			return fmt.Errorf("chunk validation: checksum must be 64 hex chars, got %d", len(c.Checksum))
		}
		if _, err := hex.DecodeString(c.Checksum); err != nil {
			return fmt.Errorf("chunk validation: checksum is not valid hex: %w", err)
		}
	}

	return nil
}

// CreateChunks splits an encrypted model snapshot into MQTT-sized pieces.
// Every chunk carries the checksum of the complete payload so receivers can
// verify the reassembled snapshot.
func CreateChunks(data []byte, modelName string, chunkSize int, checksum string) []ChunkPayload {
	if len(data) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	total := (len(data) + chunkSize - 1) / chunkSize

	chunks := make([]ChunkPayload, 0, total)
	for idx := 0; idx < total; idx++ {
		start := idx * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}

		chunks = append(chunks, ChunkPayload{
			ModelName:   modelName,
			ChunkIdx:    idx,
			TotalChunks: total,
			Data:        data[start:end],
			Checksum:    checksum,
		})
	}

	return chunks
}
