package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	smqerrors "github.com/absmach/supermq/pkg/errors"
)

const requestTimeout = 30 * time.Second

var (
	coordinatorURL = "http://localhost:8080"

	errFailedToReach = errors.New("failed to reach coordinator")

	httpClient = &http.Client{Timeout: requestTimeout}
)

// SetCoordinatorURL overrides the coordinator address used by all commands.
func SetCoordinatorURL(url string) {
	coordinatorURL = url
}

func request(method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, coordinatorURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, smqerrors.Wrap(errFailedToReach, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error != "" {
			return nil, errors.New(apiErr.Error)
		}

		return nil, fmt.Errorf("coordinator returned status %s", resp.Status)
	}

	return data, nil
}

func getEntity(path string, entity any) error {
	data, err := request(http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, entity)
}

func unmarshalEntity(data []byte, entity any) error {
	if err := json.Unmarshal(data, entity); err != nil {
		return fmt.Errorf("failed to parse coordinator response: %w", err)
	}

	return nil
}
