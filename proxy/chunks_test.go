package proxy

import (
	"bytes"
	"strings"
	"testing"
)

const testChecksum = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func TestCreateChunks(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 1200)

	chunks := CreateChunks(data, "models/mnist:v3", 500, testChecksum)

	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}

	sizes := []int{500, 500, 200}
	for i, chunk := range chunks {
		if chunk.ChunkIdx != i {
			t.Errorf("Expected chunk index %d, got %d", i, chunk.ChunkIdx)
		}
		if chunk.TotalChunks != 3 {
			t.Errorf("Expected total chunks 3, got %d", chunk.TotalChunks)
		}
		if chunk.ModelName != "models/mnist:v3" {
			t.Errorf("Expected model name to propagate, got %s", chunk.ModelName)
		}
		if chunk.Checksum != testChecksum {
			t.Errorf("Expected checksum to propagate, got %s", chunk.Checksum)
		}
		if len(chunk.Data) != sizes[i] {
			t.Errorf("Expected chunk %d size %d, got %d", i, sizes[i], len(chunk.Data))
		}
	}

	var reassembled []byte
	for _, chunk := range chunks {
		reassembled = append(reassembled, chunk.Data...)
	}
	if !bytes.Equal(reassembled, data) {
		t.Error("Expected reassembled chunks to equal the original payload")
	}
}

func TestCreateChunksDefaultSize(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, 1024)

	chunks := CreateChunks(data, "models/small:v1", 0, testChecksum)

	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk under the default size, got %d", len(chunks))
	}
	if len(chunks[0].Data) != 1024 {
		t.Errorf("Expected single chunk of 1024 bytes, got %d", len(chunks[0].Data))
	}
}

func TestCreateChunksEmpty(t *testing.T) {
	if chunks := CreateChunks(nil, "models/empty:v1", 500, testChecksum); chunks != nil {
		t.Errorf("Expected no chunks for empty payload, got %d", len(chunks))
	}
}

func TestChunkValidate(t *testing.T) {
	valid := ChunkPayload{
		ModelName:   "models/mnist:v3",
		ChunkIdx:    0,
		TotalChunks: 2,
		Data:        []byte{0x01, 0x02},
		Checksum:    testChecksum,
	}

	cases := []struct {
		name          string
		mutate        func(c *ChunkPayload)
		expectedError string
	}{
		{
			name: "valid chunk",
		},
		{
			name: "valid without checksum",
			mutate: func(c *ChunkPayload) {
				c.Checksum = ""
			},
		},
		{
			name: "missing model name",
			mutate: func(c *ChunkPayload) {
				c.ModelName = ""
			},
			expectedError: "model_name is required",
		},
		{
			name: "negative chunk index",
			mutate: func(c *ChunkPayload) {
				c.ChunkIdx = -1
			},
			expectedError: "invalid chunk_idx",
		},
		{
			name: "zero total chunks",
			mutate: func(c *ChunkPayload) {
				c.TotalChunks = 0
			},
			expectedError: "invalid chunk_idx",
		},
		{
			name: "empty data",
			mutate: func(c *ChunkPayload) {
				c.Data = nil
			},
			expectedError: "data is empty",
		},
		{
			name: "short checksum",
			mutate: func(c *ChunkPayload) {
				c.Checksum = "abc123"
			},
			expectedError: "checksum must be 64 hex chars",
		},
		{
			name: "non-hex checksum",
			mutate: func(c *ChunkPayload) {
				c.Checksum = strings.Repeat("zz", 32)
			},
			expectedError: "checksum is not valid hex",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chunk := valid
			if tc.mutate != nil {
				tc.mutate(&chunk)
			}

			err := chunk.Validate()
			if tc.expectedError == "" {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}

				return
			}
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tc.expectedError) {
				t.Errorf("Expected error to contain %q, got %q", tc.expectedError, err.Error())
			}
		})
	}
}
