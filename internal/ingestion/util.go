package ingestion

import "strconv"

func parseInt64(s string, out *int64) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	*out = v
	return v, nil
}

func formatInt64(v int64) string {
	return strconv.FormatInt(v, 10)
}
