package cache

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Clone 深拷贝响应，调用方之间不会共享 Header/Body。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// Size 返回正文字节数，配额统计只计算正文。
func (r *Response) Size() int64 {
	if r == nil {
		return 0
	}
	return int64(len(r.Body))
}

// OK 对应 fetch 的 response.ok。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Cacheable 报告响应是否满足运行时写缓存条件：状态 200 且为同源 basic 类型。
func (r *Response) Cacheable() bool {
	return r != nil && r.Status == http.StatusOK && r.Type == ResponseTypeBasic
}

// record 是持久化驱动（fs/redis/s3）共享的元数据编码。
type record struct {
	Key      string       `json:"key"`
	Status   int          `json:"status"`
	Header   http.Header  `json:"header"`
	Type     ResponseType `json:"type"`
	URL      string       `json:"url"`
	StoredAt int64        `json:"stored_at"`
	Size     int64        `json:"size"`
	Body     []byte       `json:"body,omitempty"`
}

func newRecord(key string, resp *Response, withBody bool) record {
	rec := record{
		Key:      key,
		Status:   resp.Status,
		Header:   resp.Header,
		Type:     resp.Type,
		URL:      resp.URL,
		StoredAt: toMillis(resp.StoredAt),
		Size:     resp.Size(),
	}
	if withBody {
		rec.Body = resp.Body
	}
	return rec
}

func (rec record) response(body []byte) *Response {
	header := rec.Header
	if header == nil {
		header = http.Header{}
	}
	if body == nil {
		body = rec.Body
	}
	return &Response{
		Status:   rec.Status,
		Header:   header,
		Body:     body,
		Type:     rec.Type,
		URL:      rec.URL,
		StoredAt: fromMillis(rec.StoredAt),
	}
}

func encodeRecord(rec record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode cache record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("decode cache record: %w", err)
	}
	return rec, nil
}

// prepareForPut 复制待写入的响应并补齐写入时间，驱动层只持有自己的副本。
func prepareForPut(key string, resp *Response) (*Response, error) {
	if key == "" {
		return nil, ErrInvalidName
	}
	if resp == nil {
		return nil, fmt.Errorf("put %s: nil response", key)
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	return stored, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}
