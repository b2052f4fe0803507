package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"parcel-sorter/internal/types"
)

// SuccessMsg 接口成功时 msg 字段的固定值
const SuccessMsg = "请求成功"

// expiredMarkers 出现在 msg 中即视为令牌失效
var expiredMarkers = []string{"失效", "过期", "expired", "invalid token"}

// envelope 接口统一的应答外层
type envelope struct {
	Code json.RawMessage `json:"code"`
	Msg  string          `json:"msg"`
	Succ bool            `json:"succ"`
	Data json.RawMessage `json:"data"`
}

func parseEnvelope(body []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, err
	}
	return env, nil
}

func (e envelope) code() int {
	return intValue(e.Code, -1)
}

func (e envelope) ok() bool {
	return e.Msg == SuccessMsg
}

func (e envelope) tokenExpired() bool {
	if e.code() == 401 {
		return true
	}
	msg := strings.ToLower(e.Msg)
	for _, m := range expiredMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// intValue 兼容数字和字符串两种写法
func intValue(raw json.RawMessage, def int) int {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return def
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := strconv.Atoi(n.String()); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int(f)
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i
		}
	}
	return def
}

// stringValue 兼容字符串和数字两种写法
func stringValue(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// terminalItem 三段码接口 data 中的一项
type terminalItem struct {
	WaybillNo   string          `json:"waybillNo"`
	Waybill     string          `json:"waybill"`
	FirstCode   json.RawMessage `json:"firstDispatchCode"`
	ThirdCode   json.RawMessage `json:"thirdlyDispatchCode"`
	OrderType   json.RawMessage `json:"orderType"`
	Interceptor json.RawMessage `json:"interceptor"`
}

func (t terminalItem) waybill() string {
	if t.WaybillNo != "" {
		return t.WaybillNo
	}
	return t.Waybill
}

var (
	errNoData      = errors.New("get_terminalCode: no data")
	errEmptyData   = errors.New("get_terminalCode: data array empty")
	errDataType    = errors.New("get_terminalCode: invalid data type")
	errMissingBill = errors.New("get_terminalCode: waybill missing")
)

// parseTerminalResult 解析三段码应答
// data 为数组时取第一项；旧版对象格式按正常件、非拦截处理
func parseTerminalResult(data json.RawMessage) (types.SlotResult, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return types.SlotResult{}, errNoData
	}

	switch data[0] {
	case '[':
		var items []terminalItem
		if err := json.Unmarshal(data, &items); err != nil {
			return types.SlotResult{}, errDataType
		}
		if len(items) == 0 {
			return types.SlotResult{}, errEmptyData
		}
		it := items[0]
		r := types.SlotResult{
			Waybill:   it.waybill(),
			FirstCode: stringValue(it.FirstCode),
			ThirdCode: stringValue(it.ThirdCode),
			OrderType: intValue(it.OrderType, -1),
			Intercept: intValue(it.Interceptor, 2) == 1,
		}
		if r.Waybill == "" {
			return r, errMissingBill
		}
		return r, nil

	case '{':
		var it terminalItem
		if err := json.Unmarshal(data, &it); err != nil {
			return types.SlotResult{}, errDataType
		}
		r := types.SlotResult{
			Waybill:   it.waybill(),
			FirstCode: stringValue(it.FirstCode),
			ThirdCode: stringValue(it.ThirdCode),
			OrderType: 1,
		}
		if r.ThirdCode == "" {
			r.ThirdCode = r.FirstCode
		}
		if r.Waybill == "" {
			return r, errMissingBill
		}
		return r, nil
	}
	return types.SlotResult{}, errDataType
}

type loginData struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// dispatch 按标签处理成功返回的应答
func (c *Client) dispatch(req *Request, env envelope, body []byte, logger *slog.Logger) {
	switch req.Tag {
	case TagLogin:
		if !env.ok() {
			c.loginFailed(env.Msg)
			return
		}
		var d loginData
		if err := json.Unmarshal(env.Data, &d); err != nil || d.Token == "" {
			c.loginFailed("token missing")
			return
		}
		c.loginSucceeded(d.Token, d.RefreshToken)

	case TagTerminalCode:
		if !env.ok() {
			logger.Warn("三段码请求失败", "msg", env.Msg, "code", env.code())
			c.notifyFailed(req, env.Msg)
			return
		}
		r, err := parseTerminalResult(env.Data)
		if c.journal != nil {
			code := r.Waybill
			if code == "" {
				code = req.Code
			}
			if jerr := c.journal.RecordTerminalAnswer(context.Background(), code, truncate(body, 512)); jerr != nil {
				logger.Debug("记录三段码应答失败", "error", jerr)
			}
		}
		switch {
		case err == nil:
			if c.listener != nil {
				c.listener.OnSlotResult(r)
			}
		case errors.Is(err, errNoData), errors.Is(err, errDataType):
			logger.Warn("三段码应答格式错误", "error", err)
			c.notifyFailed(req, err.Error())
		default:
			logger.Warn("三段码应答缺少字段", "error", err, "code", req.Code)
		}

	default:
		if !env.ok() || !env.Succ {
			logger.Warn("业务请求返回异常", "msg", env.Msg, "code", env.code())
			return
		}
		logger.Debug("业务请求成功")
	}
}
