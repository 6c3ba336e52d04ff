package response

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/http"
	"strings"
)

// Kind 响应内容类型
type Kind int

const (
	KindText Kind = iota
	KindJSON
	KindXML
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindXML:
		return "xml"
	default:
		return "text"
	}
}

// rawResponseLimit 兜底信封中保留的原始响应最大长度
const rawResponseLimit = 1000

// InvalidJSONEnvelope 下游声明为JSON但无法解析时返回的兜底结构
type InvalidJSONEnvelope struct {
	Error       string `json:"error"`
	Message     string `json:"message"`
	RawResponse string `json:"rawResponse"`
	Status      int    `json:"status"`
}

// Shaped 已整形、可直接写回调用方的响应
type Shaped struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Kind        Kind
	Fallback    bool // 使用了 InvalidJSONEnvelope
}

// DetectKind 根据 Content-Type 判断内容类型；缺失时根据内容推断
func DetectKind(contentType string, body []byte) Kind {
	mediaType := strings.ToLower(contentType)
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}

	switch {
	case strings.Contains(mediaType, "json"):
		return KindJSON
	case strings.Contains(mediaType, "xml"):
		return KindXML
	case mediaType != "":
		return KindText
	}

	trimmed := bytes.TrimSpace(body)
	switch {
	case bytes.HasPrefix(trimmed, []byte("<")):
		return KindXML
	case len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed):
		return KindJSON
	default:
		return KindText
	}
}

// Shape 将下游响应整形为写回调用方的内容
// XML 原样返回，JSON 重新序列化，其余按文本返回；无法解析的 JSON 包装为兜底信封
func Shape(statusCode int, header http.Header, body []byte) Shaped {
	contentType := header.Get("Content-Type")
	kind := DetectKind(contentType, body)

	switch kind {
	case KindXML:
		if contentType == "" {
			contentType = "text/xml; charset=utf-8"
		}
		return Shaped{StatusCode: statusCode, ContentType: contentType, Body: body, Kind: kind}

	case KindJSON:
		trimmed := bytes.TrimSpace(body)
		if len(trimmed) == 0 {
			return Shaped{StatusCode: statusCode, ContentType: "application/json", Body: nil, Kind: kind}
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return fallbackShape(statusCode, body)
		}
		return Shaped{StatusCode: statusCode, ContentType: "application/json", Body: buf.Bytes(), Kind: kind}

	default:
		if contentType == "" {
			contentType = "text/plain; charset=utf-8"
		}
		return Shaped{StatusCode: statusCode, ContentType: contentType, Body: body, Kind: kind}
	}
}

func fallbackShape(statusCode int, body []byte) Shaped {
	raw := string(body)
	if len(raw) > rawResponseLimit {
		raw = raw[:rawResponseLimit]
	}
	envelope := InvalidJSONEnvelope{
		Error:       "Invalid JSON response",
		Message:     "The eBay API returned a response that could not be parsed as JSON",
		RawResponse: raw,
		Status:      statusCode,
	}
	data, _ := json.Marshal(envelope)
	return Shaped{
		StatusCode:  statusCode,
		ContentType: "application/json",
		Body:        data,
		Kind:        KindJSON,
		Fallback:    true,
	}
}
