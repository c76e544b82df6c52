package chatbot

import (
	"time"

	"NutriChat/internal/session"
	"NutriChat/internal/transport"
)

// mockDelay paces the canned replies so streaming is visible
var mockDelay = 40 * time.Millisecond

var mockReplies = map[session.MessageType][]string{
	session.TypeChat: {
		"你好！我是营养助手。",
		"可以问我菜谱推荐，",
		"也可以问健康饮食建议。",
	},
	session.TypeRecipe: {
		"**1. 番茄炒蛋**\n",
		"适用人数：2人\n关键厨具：炒锅\n",
		"大概花费：10元\n难度：简单\n特点：酸甜下饭\n\n",
		"<recipe_suggestions>\n**1. 番茄炒蛋**\n适用人数：2人\n关键厨具：炒锅\n",
		"大概花费：10元\n难度：简单\n特点：酸甜下饭\n</recipe_suggestions>\n",
	},
	session.TypeHealthAdvice: {
		"均衡饮食很重要：",
		"每天吃足蔬菜水果，",
		"控制油盐糖，",
		"并保持适量运动。",
	},
}

// registerMock installs scripted generators for offline use
func registerMock(r *transport.Registry) {
	for t, chunks := range mockReplies {
		r.Register(t, &transport.ScriptedGenerator{Chunks: chunks, Delay: mockDelay})
	}
}
