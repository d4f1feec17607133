package providers

import (
	"encoding/json"
	"fmt"
	"io"
)

func unmarshalBody(body io.Reader, v any) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("could not read response %w", err)
	}
	if err = json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("could not parse response %.200s: %w", data, err)
	}
	return nil
}
