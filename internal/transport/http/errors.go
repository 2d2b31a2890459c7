package httptransport

import (
	"sinmail/backend/internal/auth"
	"sinmail/backend/internal/domain"
	"sinmail/backend/internal/service"
	"sinmail/backend/internal/storage"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	// 收件人错误
	storage.ErrRecipientNotFound:  "收件人不存在",
	storage.ErrSlugTaken:          "该标识已被占用",
	storage.ErrEmailTaken:         "该邮箱已被注册",
	service.ErrRecipientInactive:  "收件人已停用",

	// 免付费名单错误
	storage.ErrAllowlistEntryNotFound: "名单条目不存在",
	storage.ErrAllowlistEntryExists:   "名单条目已存在",

	// 消息错误
	storage.ErrMessageNotFound: "消息不存在",

	// 支付错误
	storage.ErrPaymentNotFound:         "支付记录不存在",
	storage.ErrDuplicateTransaction:    "该交易已用于其他支付",
	service.ErrPaymentRequired:         "需要完成付款",
	service.ErrPaymentInvalid:          "支付凭证无效",
	service.ErrPaymentExpired:          "支付要求已过期，请重新提交",
	service.ErrSettlementFailed:        "结算失败，请稍后重试",
	service.ErrInvalidWebhookSignature: "回调签名无效",

	// 认证错误
	auth.ErrInvalidCredentials: "账户或密码错误",
	auth.ErrRecipientInactive:  "账户已被停用",

	// 输入校验错误
	domain.ErrInvalidSlug:          "标识格式无效",
	domain.ErrInvalidEmail:         "邮箱格式无效",
	domain.ErrInvalidDomain:        "域名格式无效",
	domain.ErrInvalidWalletAddress: "钱包地址格式无效",
	domain.ErrInvalidPrice:         "价格格式无效",
	domain.ErrSubjectRequired:      "主题不能为空",
	domain.ErrSubjectTooLong:       "主题过长（最多200字符）",
	domain.ErrBodyRequired:         "正文不能为空",
	domain.ErrBodyTooLong:          "正文过长（最多10000字符）",
	domain.ErrInvalidAllowlistKind: "名单类型无效",
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	if msg, ok := errorMessages[err]; ok {
		return msg
	}
	return err.Error()
}

// 通用错误消息
const (
	// 请求相关
	MsgInvalidRequest   = "请求参数格式错误"
	MsgInvalidJSON      = "JSON格式错误"
	MsgRequestBodyEmpty = "请求体不能为空"

	// 认证相关
	MsgAuthRequired       = "需要登录认证"
	MsgInvalidCredentials = "账户或密码错误"
	MsgTokenExpired       = "登录已过期，请重新登录"
	MsgTokenInvalid       = "无效的访问令牌"
	MsgPermissionDenied   = "权限不足"

	// 消息相关
	MsgMessageSubmitFailed = "提交消息失败"
	MsgMessageNotFound     = "消息不存在"
	MsgMessageListFailed   = "获取消息列表失败"
	MsgAttemptsListFailed  = "获取投递记录失败"

	// 支付相关
	MsgPreflightFailed     = "查询投递条件失败"
	MsgWebhookInvalid      = "回调处理失败"
	MsgWebhookBodyReadFail = "读取回调内容失败"

	// 收件人相关
	MsgRecipientGetFailed    = "获取账户信息失败"
	MsgRecipientUpdateFailed = "更新账户信息失败"

	// 名单相关
	MsgAllowlistAddFailed    = "添加名单条目失败"
	MsgAllowlistListFailed   = "获取名单失败"
	MsgAllowlistRemoveFailed = "删除名单条目失败"

	// 服务器错误
	MsgInternalError = "服务器内部错误，请稍后重试"
)
