package protocol

// 网关关闭码
const (
	CloseCodeNormal         = 1000
	CloseCodeAbnormal       = 1006 // 未收到关闭帧（网络断开）
	CloseCodeAuthFailed     = 4004 // 鉴权失败
	CloseCodeInvalidSession = 4006 // session 无效
	CloseCodeInvalidSeq     = 4007 // seq 错误
	CloseCodeRateLimited    = 4008 // 发送过快
	CloseCodeResume         = 4009 // 连接过期，可以 Resume
	CloseCodeInvalidShard   = 4010 // 分片参数错误
	CloseCodeIntentsDenied  = 4014 // 无权订阅 intents
	CloseCodeBotOffline     = 4914 // 机器人已下架
	CloseCodeBotBanned      = 4915 // 机器人已封禁
)

// CloseCodeMessage 关闭码说明
var CloseCodeMessage = map[int]string{
	CloseCodeNormal:         "normal",
	CloseCodeAbnormal:       "abnormal",
	CloseCodeAuthFailed:     "auth_failed",
	CloseCodeInvalidSession: "invalid_session",
	CloseCodeInvalidSeq:     "invalid_seq",
	CloseCodeRateLimited:    "rate_limited",
	CloseCodeResume:         "session_timeout",
	CloseCodeInvalidShard:   "invalid_shard",
	CloseCodeIntentsDenied:  "intents_denied",
	CloseCodeBotOffline:     "bot_offline",
	CloseCodeBotBanned:      "bot_banned",
}

// IsResumable 只有指定关闭码允许 Resume
func IsResumable(code int) bool {
	return code == CloseCodeResume
}

// CloseReason 返回关闭码对应的原因，未知关闭码返回 "other"
func CloseReason(code int) string {
	if msg, ok := CloseCodeMessage[code]; ok {
		return msg
	}
	return "other"
}
