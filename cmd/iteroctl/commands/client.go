package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// errAPIRequest wraps a non-2xx admin API response body for display.
var errAPIRequest = errors.New("admin API request failed")

func getJSON(path string, out any) error {
	resp, err := httpClient.Get(baseURL() + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apiError(path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

func postJSON(path string, in any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return fmt.Errorf("encode request for %s: %w", path, err)
		}
	}

	resp, err := httpClient.Post(baseURL()+path, "application/json", &body)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apiError(path, resp)
	}
	return nil
}

func apiError(path string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%w: %s (%d): %s", errAPIRequest, path, resp.StatusCode, string(body))
}

type macRequest struct {
	MAC string `json:"mac"`
}
