package zombiezen

import "encoding/json"

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}
