package service

import (
	"encoding/json"
	"fmt"
	"time"

	"recap/internal/services/fetch/domain"
)

// Cache keys are pure functions of the logical query so identical requests
// always hit the same entry

func repoKey(user, org string) string {
	if org == "" {
		org = "all"
	}
	return fmt.Sprintf("repos:%s:%s", user, org)
}

func commitsKey(repo string, since, until time.Time, author string) string {
	if author == "" {
		author = "all"
	}
	return fmt.Sprintf("commits:%s:%s:%s:%s",
		repo, since.Format("2006-01-02"), until.Format("2006-01-02"), author)
}

func chunksKey(repo string, op domain.Operation, maxDays int) string {
	author := op.Author
	if author == "" {
		author = "all"
	}
	return fmt.Sprintf("chunks:%s:%s:%s:%s:%d",
		repo, op.Since.Format("2006-01-02"), op.Until.Format("2006-01-02"), author, maxDays)
}

func marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
