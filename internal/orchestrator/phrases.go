package orchestrator

import "github.com/SearocIsMe/elderly-companion/pkg/domain"

// phraseKey selects a canned response line.
type phraseKey string

const (
	phraseEmergencyAck  phraseKey = "emergency_ack"
	phraseDenied        phraseKey = "denied"
	phraseDeniedGeo     phraseKey = "denied_geofence"
	phraseDeniedRate    phraseKey = "denied_rate"
	phraseDone          phraseKey = "done"
	phraseMoveStarted   phraseKey = "move_started"
	phraseCallPlaced    phraseKey = "call_placed"
	phraseFailed        phraseKey = "failed"
	phraseBusy          phraseKey = "busy"
	phraseChatFallback  phraseKey = "chat_fallback"
	phraseRejected      phraseKey = "rejected"
	phraseElevated      phraseKey = "elevated"
	phraseConfirmOK     phraseKey = "confirm_done"
	phraseConfirmCancel phraseKey = "confirm_cancel"
	phraseWakeGreeting  phraseKey = "wake_greeting"
)

// User-visible lines, one sentence each. Cantonese falls back to the
// Mandarin written form.
var phrases = map[phraseKey]map[domain.Language]string{
	phraseEmergencyAck: {
		domain.LanguageMandarin: "已为您联系家人，请保持冷静，我在这里陪着您。",
		domain.LanguageEnglish:  "I am contacting your family now. Please stay calm, I am here with you.",
	},
	phraseDenied: {
		domain.LanguageMandarin: "抱歉，这个操作不被允许。",
		domain.LanguageEnglish:  "Sorry, that action is not allowed.",
	},
	phraseDeniedGeo: {
		domain.LanguageMandarin: "为了安全，您现在的位置不能执行这个操作。",
		domain.LanguageEnglish:  "For your safety, that action is not allowed from where you are right now.",
	},
	phraseDeniedRate: {
		domain.LanguageMandarin: "这个操作太频繁了，请稍后再试。",
		domain.LanguageEnglish:  "That has been done too often, please try again later.",
	},
	phraseDone: {
		domain.LanguageMandarin: "好的，已经帮您完成了。",
		domain.LanguageEnglish:  "Done, I have taken care of it.",
	},
	phraseMoveStarted: {
		domain.LanguageMandarin: "好的，我这就过去。",
		domain.LanguageEnglish:  "Alright, I am on my way.",
	},
	phraseCallPlaced: {
		domain.LanguageMandarin: "正在为您拨打电话。",
		domain.LanguageEnglish:  "Placing the call for you now.",
	},
	phraseFailed: {
		domain.LanguageMandarin: "抱歉，刚才没有成功，已经通知家人帮您看看。",
		domain.LanguageEnglish:  "Sorry, that did not work just now. Your family has been notified.",
	},
	phraseBusy: {
		domain.LanguageMandarin: "系统有点忙，请稍后再说一次。",
		domain.LanguageEnglish:  "I am a little busy right now, please try again in a moment.",
	},
	phraseChatFallback: {
		domain.LanguageMandarin: "我在听，您慢慢说。",
		domain.LanguageEnglish:  "I am listening, take your time.",
	},
	phraseRejected: {
		domain.LanguageMandarin: "我没有听清楚，请再说一遍好吗？",
		domain.LanguageEnglish:  "I did not catch that, could you say it again?",
	},
	phraseElevated: {
		domain.LanguageMandarin: "我先通知家人来看看您，请稍等。",
		domain.LanguageEnglish:  "Let me ask your family to check in on you first.",
	},
	phraseConfirmOK: {
		domain.LanguageMandarin: "已确认，正在执行。",
		domain.LanguageEnglish:  "Confirmed, doing it now.",
	},
	phraseConfirmCancel: {
		domain.LanguageMandarin: "好的，已取消。",
		domain.LanguageEnglish:  "Alright, cancelled.",
	},
	phraseWakeGreeting: {
		domain.LanguageMandarin: "我在呢，请讲。",
		domain.LanguageEnglish:  "I am here, go ahead.",
	},
}

// phrase localizes a response line.
func phrase(key phraseKey, lang domain.Language) string {
	byLang, ok := phrases[key]
	if !ok {
		return ""
	}
	if s, ok := byLang[lang]; ok {
		return s
	}
	return byLang[domain.LanguageMandarin]
}
