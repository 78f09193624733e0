package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zhoudan/ecomspider/internal/spider"
)

type commentPayload struct {
	RateDetail struct {
		RateList []struct {
			ID   json.Number `json:"id"`
			User struct {
				ID   json.Number `json:"id"`
				Nick string      `json:"nick"`
			} `json:"user"`
			Content    string      `json:"content"`
			Grade      json.Number `json:"grade"`
			Date       string      `json:"date"`
			Useful     json.Number `json:"useful"`
			ReplyCount json.Number `json:"replyCount"`
		} `json:"rateList"`
		Paginator struct {
			LastPage int `json:"lastPage"`
		} `json:"paginator"`
	} `json:"rateDetail"`
}

// stripJSONP unwraps a jsonp123({...}) envelope if present.
func stripJSONP(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "jsonp") {
		return raw
	}
	start := strings.Index(raw, "(")
	end := strings.LastIndex(raw, ")")
	if start < 0 || end <= start {
		return raw
	}
	return raw[start+1 : end]
}

func (e *SiteExtractor) extractComments(outcome spider.FetchOutcome) (spider.ExtractResult, error) {
	raw := stripJSONP(string(outcome.Body))

	var payload commentPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return spider.ExtractResult{}, fmt.Errorf("parse comment payload: %w", err)
	}

	task := outcome.Task
	var result spider.ExtractResult
	for _, c := range payload.RateDetail.RateList {
		if c.ID.String() == "" {
			continue
		}
		result.Comments = append(result.Comments, spider.RawComment{
			CommentID:   c.ID.String(),
			ProductID:   task.ProductID,
			UserID:      c.User.ID.String(),
			Content:     strings.TrimSpace(c.Content),
			Rating:      c.Grade.String(),
			CommentTime: strings.TrimSpace(c.Date),
			UsefulVotes: c.Useful.String(),
			ReplyCount:  c.ReplyCount.String(),
		})
	}

	lastPage := payload.RateDetail.Paginator.LastPage
	hasMore := len(payload.RateDetail.RateList) > 0 &&
		(lastPage == 0 || task.Page < lastPage)
	if hasMore && task.Page < e.opts.MaxComments {
		next := task.Page + 1
		url := strings.Replace(task.URL,
			fmt.Sprintf("currentPage=%d", task.Page),
			fmt.Sprintf("currentPage=%d", next), 1)
		result.Derived = append(result.Derived,
			spider.CommentTask(e.source, task.ProductID, next, url))
	}
	return result, nil
}
