package main

import (
	"encoding/json"
	"io"
	"os"
)

type input struct {
	Payload   json.RawMessage   `json:"payload"`
	Headers   map[string]string `json:"headers"`
	Direction string            `json:"direction"`
}

type output struct {
	Payload any               `json:"payload"`
	Headers map[string]string `json:"headers"`
}

func main() {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		os.Exit(1)
	}

	var req input
	if err := json.Unmarshal(raw, &req); err != nil {
		os.Exit(1)
	}

	var data map[string]any
	if err := json.Unmarshal(req.Payload, &data); err != nil {
		os.Exit(1)
	}
	data["wasm_enriched"] = true
	data["direction"] = req.Direction
	if v, ok := os.LookupEnv("ENRICH_TAG"); ok {
		data["tag"] = v
	}

	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers["X-Wasm-Processed"] = "true"

	if err := json.NewEncoder(os.Stdout).Encode(output{Payload: data, Headers: req.Headers}); err != nil {
		os.Exit(1)
	}
}
