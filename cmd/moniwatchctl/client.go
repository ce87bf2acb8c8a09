package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"gopkg.in/yaml.v3"
)

// apiClient talks to the admin API.
type apiClient struct {
	http *resty.Client
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newAPIClient(server, apiKey, operator string, timeout time.Duration) *apiClient {
	c := resty.New().
		SetBaseURL(strings.TrimRight(server, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		c.SetHeader("X-API-Key", apiKey)
	}
	if operator != "" {
		c.SetHeader("X-Operator", operator)
	}
	return &apiClient{http: c}
}

// do sends a request and returns the data of the response envelope. On
// API failures the data is still returned when the server sent any.
func (c *apiClient) do(method, path string, query map[string]string, body interface{}) (json.RawMessage, error) {
	req := c.http.R()
	if len(query) > 0 {
		params := make(map[string]string, len(query))
		for k, v := range query {
			if v != "" {
				params[k] = v
			}
		}
		req.SetQueryParams(params)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	if resp.StatusCode() == http.StatusNoContent {
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, fmt.Errorf("failed to decode response (%s): %w", resp.Status(), err)
	}
	if !env.Success {
		if env.Error != nil {
			return env.Data, fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
		}
		return env.Data, errors.New("request failed: " + resp.Status())
	}
	return env.Data, nil
}

// loadDefinition reads a YAML or JSON file into a generic value that
// marshals back to JSON.
func loadDefinition(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var def interface{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	}
	return def, nil
}
