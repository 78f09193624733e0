package spider

import (
	"fmt"
	"time"
)

// Role selects which operations a process invokes at startup. Masters only
// seed tasks; workers run the full fetch/extract/report loop.
type Role string

// Process roles.
const (
	RoleMaster Role = "master"
	RoleWorker Role = "worker"
)

// TaskKind identifies the unit of crawl work a Task represents.
type TaskKind string

// Task kinds.
const (
	TaskSearch  TaskKind = "search"
	TaskProduct TaskKind = "product"
	TaskComment TaskKind = "comment"
	TaskShop    TaskKind = "shop"
)

// Task is one unit of crawl work. (Source, Key) is the dedup identity: the
// live queue holds it at most once, and a key that has already completed is
// silently dropped on re-enqueue.
type Task struct {
	Source     string   `json:"source"`
	Key        string   `json:"key"`
	Kind       TaskKind `json:"kind"`
	Keyword    string   `json:"keyword,omitempty"`
	Page       int      `json:"page,omitempty"`
	URL        string   `json:"url,omitempty"`
	ProductID  string   `json:"product_id,omitempty"`
	ShopID     string   `json:"shop_id,omitempty"`
	Priority   int      `json:"priority,omitempty"`
	RenderJS   bool     `json:"render_js,omitempty"`
	Attempt    int      `json:"attempt,omitempty"`
	EnqueuedAt int64    `json:"enqueued_at,omitempty"`
}

// SearchTask builds a keyword search-page task.
func SearchTask(source, keyword string, page int) Task {
	return Task{
		Source:  source,
		Key:     fmt.Sprintf("search:%s:%d", keyword, page),
		Kind:    TaskSearch,
		Keyword: keyword,
		Page:    page,
	}
}

// ProductTask builds a product detail-page task.
func ProductTask(source, productID, url string) Task {
	return Task{
		Source:    source,
		Key:       "product:" + productID,
		Kind:      TaskProduct,
		ProductID: productID,
		URL:       url,
		Priority:  2,
	}
}

// CommentTask builds a task for one page of a product's comments.
func CommentTask(source, productID string, page int, url string) Task {
	return Task{
		Source:    source,
		Key:       fmt.Sprintf("comment:%s:%d", productID, page),
		Kind:      TaskComment,
		ProductID: productID,
		Page:      page,
		URL:       url,
		Priority:  3,
	}
}

// ShopTask builds a shop profile-page task.
func ShopTask(source, shopID, url string) Task {
	return Task{
		Source:   source,
		Key:      "shop:" + shopID,
		Kind:     TaskShop,
		ShopID:   shopID,
		URL:      url,
		Priority: 4,
	}
}

// Verdict is the anti-block classification of a fetch outcome.
type Verdict string

// Verdicts.
const (
	VerdictClean   Verdict = "clean"
	VerdictBlocked Verdict = "blocked"
)

// FetchOutcome is the ephemeral result of one fetch attempt. It is consumed
// by the detector, controller, and monitor, then discarded.
type FetchOutcome struct {
	Task       Task
	URL        string
	StatusCode int
	Body       []byte
	Elapsed    time.Duration
	Blocked    bool
}

// RecordKind identifies the variant of an extracted record.
type RecordKind string

// Record kinds.
const (
	KindProduct RecordKind = "product"
	KindComment RecordKind = "comment"
	KindShop    RecordKind = "shop"
)

// RawProduct carries product fields as extracted from a page, before
// normalization coerces them to canonical types.
type RawProduct struct {
	Platform      string
	ProductID     string
	Name          string
	Price         string
	OriginalPrice string
	Sales         string
	CommentsCount string
	ShopName      string
	Category      string
	URL           string
}

// RawComment carries comment fields as extracted from a page.
type RawComment struct {
	CommentID   string
	ProductID   string
	UserID      string
	Content     string
	Rating      string
	CommentTime string
	UsefulVotes string
	ReplyCount  string
}

// RawShop carries shop fields as extracted from a page.
type RawShop struct {
	ShopID        string
	ShopName      string
	ShopType      string
	ScoreService  string
	ScoreDelivery string
}

// Product is a normalized product record, immutable once committed.
type Product struct {
	Platform      string    `json:"platform"`
	ProductID     string    `json:"product_id"`
	Name          string    `json:"name"`
	Price         float64   `json:"price"`
	OriginalPrice float64   `json:"original_price"`
	Sales         int64     `json:"sales"`
	CommentsCount int64     `json:"comments_count"`
	ShopName      string    `json:"shop_name"`
	Category      string    `json:"category"`
	URL           string    `json:"url"`
	CrawlTime     time.Time `json:"crawl_time"`
}

// Comment is a normalized comment record. Repeat keys update the vote and
// reply counters rather than inserting a second row.
type Comment struct {
	CommentID   string    `json:"comment_id"`
	ProductID   string    `json:"product_id"`
	UserID      string    `json:"user_id"`
	Content     string    `json:"content"`
	Rating      int       `json:"rating"`
	CommentTime string    `json:"comment_time"`
	UsefulVotes int64     `json:"useful_votes"`
	ReplyCount  int64     `json:"reply_count"`
	CrawlTime   time.Time `json:"crawl_time"`
}

// Shop is a normalized shop record.
type Shop struct {
	ShopID        string    `json:"shop_id"`
	ShopName      string    `json:"shop_name"`
	ShopType      string    `json:"shop_type"`
	ScoreService  float64   `json:"score_service"`
	ScoreDelivery float64   `json:"score_delivery"`
	CrawlTime     time.Time `json:"crawl_time"`
}

// ExtractResult is what a worker's extraction step yields from a clean
// response: raw records for the pipeline plus derived follow-up tasks
// (pagination, detail pages) for the queue.
type ExtractResult struct {
	Products []RawProduct
	Comments []RawComment
	Shops    []RawShop
	Derived  []Task
}

// Empty reports whether the result carries no records and no derived tasks.
func (r ExtractResult) Empty() bool {
	return len(r.Products) == 0 && len(r.Comments) == 0 && len(r.Shops) == 0 && len(r.Derived) == 0
}
