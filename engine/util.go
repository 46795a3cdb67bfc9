package engine

import (
	"encoding/json"
	"fmt"
)

func decodeJSON(data []byte, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}
