package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tomatoEgg = "**1. 番茄炒蛋**\n关键厨具：炒锅\n难度：简单\n<recipe_suggestions>..."

func TestExtractScenario(t *testing.T) {
	entries := Extract(tomatoEgg)
	require.Len(t, entries, 1)
	assert.Equal(t, Entry{ID: "recipe-1", Name: "番茄炒蛋", Tools: "炒锅", Difficulty: "简单"}, entries[0])
	assert.Equal(t, KindPlain, Classify(tomatoEgg))
}

func TestParseTaggedSection(t *testing.T) {
	body := `Here are two ideas.
<recipe_suggestions>
**1. 番茄炒蛋**
适用人数：2人
关键厨具：炒锅
大概花费：15元
难度：简单
特点：酸甜开胃

**2. 清蒸鲈鱼**
- **难度**：中等
- 特点: 低脂高蛋白
</recipe_suggestions>
Enjoy!`

	doc := Parse(body)
	assert.True(t, doc.HasSection)
	assert.Equal(t, "Here are two ideas.\n", doc.Before)
	assert.Equal(t, "\nEnjoy!", doc.After)
	assert.Equal(t, KindTaggedRecipe, Classify(body))

	require.Len(t, doc.Entries, 2)
	assert.Equal(t, Entry{
		ID: "recipe-1", Name: "番茄炒蛋", Servings: "2人", Tools: "炒锅",
		Cost: "15元", Difficulty: "简单", Features: "酸甜开胃",
	}, doc.Entries[0])
	assert.Equal(t, Entry{ID: "recipe-2", Name: "清蒸鲈鱼", Difficulty: "中等", Features: "低脂高蛋白"}, doc.Entries[1])
}

func TestExtractEnglishLabels(t *testing.T) {
	body := "<recipe_suggestions>\n**Overnight Oats**\n* Servings: 1\n**Tools:** jar\nCost: $2\n</recipe_suggestions>"
	entries := Extract(body)
	require.Len(t, entries, 1)
	assert.Equal(t, "Overnight Oats", entries[0].Name)
	assert.Equal(t, "1", entries[0].Servings)
	assert.Equal(t, "jar", entries[0].Tools)
	assert.Equal(t, "$2", entries[0].Cost)
}

func TestExtractNoHeading(t *testing.T) {
	for _, body := range []string{
		"",
		"多吃蔬菜，少吃油炸食品。",
		"<recipe_suggestions>\n难度：简单\n</recipe_suggestions>",
		"**Note:** drink water",
	} {
		entries := Extract(body)
		assert.NotNil(t, entries)
		assert.Empty(t, entries, body)
	}
}

func TestEntryEndsAtUnlabeledLine(t *testing.T) {
	body := "**1. 凉拌黄瓜**\n难度：简单\n这道菜很适合夏天。\n特点：清爽"
	entries := Extract(body)
	require.Len(t, entries, 1)
	assert.Equal(t, "简单", entries[0].Difficulty)
	assert.Empty(t, entries[0].Features)
}

func TestHeadingOrdinals(t *testing.T) {
	tests := []struct {
		line string
		name string
		ok   bool
	}{
		{"**1. 番茄炒蛋**", "番茄炒蛋", true},
		{"**2、红烧肉**", "红烧肉", true},
		{"**番茄炒蛋**", "番茄炒蛋", true},
		{"**3D打印蛋糕**", "3D打印蛋糕", true},
		{"**难度：简单**", "", false},
		{"****", "", false},
		{"1. 番茄炒蛋", "", false},
	}
	for _, tt := range tests {
		name, ok := parseHeading(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.name, name, tt.line)
	}
}

func TestExtractIdempotent(t *testing.T) {
	bodies := []string{
		tomatoEgg,
		"<recipe_suggestions>\n**1. 番茄炒蛋**\n适用人数：2人\n特点：家常\n**2. 蒜蓉西兰花**\n大概花费：10元\n</recipe_suggestions>",
		"no recipes here",
	}
	for _, body := range bodies {
		first := Extract(body)
		assert.Equal(t, first, Extract(body))
		assert.Equal(t, first, Extract(Render(first)), body)
	}
}

func TestUnmatchedMarkersArePlain(t *testing.T) {
	assert.Equal(t, KindPlain, Classify("</recipe_suggestions><recipe_suggestions>"))
	assert.Equal(t, KindPlain, Classify("<recipe_suggestions> never closed"))
	assert.False(t, Parse("<recipe_suggestions> never closed").HasSection)
}

func TestRepeatedNamesAndLabels(t *testing.T) {
	body := "**1. 凉拌黄瓜**\n难度：简单\n难度：困难\n\n**2. 凉拌黄瓜**\n难度：中等\n"

	entries := Extract(body)
	require.Len(t, entries, 2, "entries with the same name are kept apart")
	assert.Equal(t, "recipe-1", entries[0].ID)
	assert.Equal(t, "recipe-2", entries[1].ID)
	assert.Equal(t, "简单", entries[0].Difficulty, "a repeated label keeps its first value")
	assert.Equal(t, "中等", entries[1].Difficulty)
	assert.Equal(t, entries, Extract(Render(entries)))
}
