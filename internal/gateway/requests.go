package gateway

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"parcel-sorter/internal/types"
)

// Credentials 登录账号
type Credentials struct {
	Account  string
	Password string
}

// Settings 接口地址和账号
type Settings struct {
	BaseURL      string
	TerminalURL  string
	SmallItemURL string
	AppKey       string
	AppSecret    string
	EquipmentID  string
	CrossBeltMac string
	Arrival      Credentials
	Departure    Credentials
}

// ApplyOverrides 用 request_config 表中的值覆盖配置
func (s *Settings) ApplyOverrides(rows map[string]string) {
	set := func(dst *string, key string) {
		if v, ok := rows[key]; ok && v != "" {
			*dst = v
		}
	}
	set(&s.BaseURL, "request_url")
	set(&s.TerminalURL, "terminal_url")
	set(&s.SmallItemURL, "small_item_url")
	set(&s.EquipmentID, "equipment_id")
	set(&s.Arrival.Account, "in_account")
	set(&s.Arrival.Password, "in_password")
	set(&s.Departure.Account, "out_account")
	set(&s.Departure.Password, "out_password")
}

// 下游接口路径
const (
	pathLogin          = "/opa/smartLogin"
	pathUpload         = "/opa/smart/scan/uploadArrivalCRLSData"
	pathBuild          = "/opa/smart/scan/uploadPackData"
	pathUnloadToPieces = "/opa/smart/scan/uploadUnloadingArrivalData"
	pathOutbound       = "/opa/smart/scan/uploadDeliveryOutStockData"
)

// SetOperateMode 选择账号并登录
// 登录完成前提交的业务请求处于暂停状态
func (c *Client) SetOperateMode(mode types.OperateMode) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()

	c.refreshing.Store(true)
	c.logger.Info("设置作业模式并登录", "mode", mode.String(), "account", c.credentials().Account)
	c.submitLogin()
}

func (c *Client) credentials() Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == types.ModeDeparture {
		return c.settings.Departure
	}
	return c.settings.Arrival
}

func (c *Client) timestamp() string {
	return c.now().Format(types.TimeLayout)
}

func (c *Client) listID() string {
	return c.credentials().Account + strconv.FormatInt(c.now().UnixMilli(), 10)
}

func jsonHeader() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	return h
}

func (c *Client) loginRequest() *Request {
	cred := c.credentials()
	payload, _ := json.Marshal(map[string]string{
		"account":   cred.Account,
		"password":  cred.Password,
		"appKey":    c.settings.AppKey,
		"appSecret": c.settings.AppSecret,
	})
	return &Request{
		URL:         c.settings.BaseURL + pathLogin,
		Header:      jsonHeader(),
		Payload:     payload,
		Tag:         TagLogin,
		RetriesLeft: 1,
	}
}

// RequestTerminalCode 查询运单的一段码/三段码
func (c *Client) RequestTerminalCode(code string) error {
	payload, _ := json.Marshal(map[string]string{"waybillNo": code})
	h := jsonHeader()
	if c.settings.AppKey != "" {
		h.Set("appKey", c.settings.AppKey)
	}
	h.Set("timestamp", c.timestamp())

	if c.journal != nil {
		if err := c.journal.RecordTerminalRequest(context.Background(), code, string(payload)); err != nil {
			c.logger.Debug("记录三段码请求失败", "code", code, "error", err)
		}
	}
	return c.Submit(&Request{
		URL:         c.settings.TerminalURL,
		Header:      h,
		Payload:     payload,
		Tag:         TagTerminalCode,
		RetriesLeft: 5,
		Auth:        true,
		Code:        code,
	})
}

// RequestUploadData 出港扫描后上传到件数据
func (c *Client) RequestUploadData(code, weight string) error {
	payload, _ := json.Marshal([]map[string]string{{
		"listId":         c.listID(),
		"waybillId":      code,
		"arriveScanType": "1",
		"scanTime":       c.timestamp(),
		"weight":         weight,
		"scanPda":        c.settings.EquipmentID,
		"weightFlag":     "2",
		"scanTypeCode":   "91",
	}})
	h := jsonHeader()
	h.Set("timestamp", c.timestamp())
	return c.Submit(&Request{
		URL:         c.settings.BaseURL + pathUpload,
		Header:      h,
		Payload:     payload,
		Tag:         TagUpload,
		RetriesLeft: 5,
		Auth:        true,
		Code:        code,
	})
}

// RequestBuild 出港落格后单件建包
func (c *Client) RequestBuild(code, packageTag string, scanTime time.Time) error {
	listID := c.listID()
	if scanTime.IsZero() {
		scanTime = c.now()
	}
	payload, _ := json.Marshal([]map[string]any{{
		"detailList": []map[string]string{{
			"listId":        listID,
			"waybillId":     code,
			"scanTime":      scanTime.Format(types.TimeLayout),
			"packageNumber": packageTag,
			"scanPda":       c.settings.EquipmentID,
		}},
		"master": map[string]string{
			"listId":        listID,
			"scanTime":      c.timestamp(),
			"packageNumber": packageTag,
			"scanPda":       c.settings.EquipmentID,
		},
	}})
	return c.Submit(&Request{
		URL:         c.settings.BaseURL + pathBuild,
		Header:      jsonHeader(),
		Payload:     payload,
		Tag:         TagBuild,
		RetriesLeft: 3,
		Auth:        true,
		Code:        code,
	})
}

// Signature 生成小件接口的签名：base64(hex(md5(appSecret + timestamp + body)))
func Signature(appSecret, timestamp string, body []byte) string {
	sum := md5.Sum(append([]byte(appSecret+timestamp), body...))
	return base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(sum[:])))
}

// RequestSmallItem 小件回传，使用签名而非登录令牌
func (c *Client) RequestSmallItem(r types.SmallItemReport) error {
	now := c.timestamp()
	account := c.credentials().Account
	payload, _ := json.Marshal([]map[string]any{{
		"waybillNo":       r.Code,
		"networkCode":     account,
		"scanTime":        now,
		"userNum":         account,
		"weight":          r.Weight,
		"uploadResult":    1,
		"crossBeltMac":    c.settings.CrossBeltMac,
		"supplyDeskCode":  r.SupplyID,
		"supplyDeskMac":   r.SupplyMac,
		"uploadTime":      now,
		"sortingPlanCode": "1",
		"operateType":     r.Mode.OperateType(),
		"equipmentCode":   c.settings.EquipmentID,
		"equipmentLayer":  1,
		"gridNo":          r.SlotID,
		"fallTime":        now,
		"cyclesNum":       1,
		"carNum":          100,
		"gridCode":        111,
	}})

	ts := strconv.FormatInt(c.now().Unix(), 10)
	h := jsonHeader()
	h.Set("appKey", c.settings.AppKey)
	h.Set("timestamp", ts)
	h.Set("token", Signature(c.settings.AppSecret, ts, payload))
	return c.Submit(&Request{
		URL:         c.settings.SmallItemURL,
		Header:      h,
		Payload:     payload,
		Tag:         TagSmallItem,
		RetriesLeft: 3,
		Code:        r.Code,
	})
}

// UnloadToPieces 进港卸车到件，附带分拣图片
func (c *Client) UnloadToPieces(code, weight, pictureURL string) error {
	payload, _ := json.Marshal([]map[string]any{{
		"listId":            c.listID(),
		"waybillId":         code,
		"scanTime":          c.timestamp(),
		"scanTypeCode":      92,
		"weight":            weight,
		"transportTypeCode": 2,
		"scanPda":           c.settings.EquipmentID,
		"scanType":          1,
		"weightFlag":        2,
		"sortingPictureUrl": pictureURL,
	}})
	h := jsonHeader()
	h.Set("timestamp", c.timestamp())
	return c.Submit(&Request{
		URL:         c.settings.BaseURL + pathUnloadToPieces,
		Header:      h,
		Payload:     payload,
		Tag:         TagUnloadToPieces,
		RetriesLeft: 3,
		Auth:        true,
		Code:        code,
	})
}

// OutboundScanning 进港落格后出仓扫描
func (c *Client) OutboundScanning(code, deliveryCode string) error {
	payload, _ := json.Marshal([]map[string]string{{
		"listId":       c.listID(),
		"waybillId":    code,
		"deliveryCode": deliveryCode,
		"scanTime":     c.timestamp(),
		"scanPda":      c.settings.EquipmentID,
	}})
	h := jsonHeader()
	h.Set("timestamp", c.timestamp())
	return c.Submit(&Request{
		URL:         c.settings.BaseURL + pathOutbound,
		Header:      h,
		Payload:     payload,
		Tag:         TagOutboundScanning,
		RetriesLeft: 3,
		Auth:        true,
		Code:        code,
	})
}
