package converse

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/tavern-relay/internal/model/persona"
)

// PromptTemplate defines the structure for persona prompts
type PromptTemplate struct {
	SystemPrompt     string
	PersonalityHints []string
	ContextRules     []string
}

// voiceRules apply to every persona because replies are spoken, never shown.
var voiceRules = []string{
	"你的回复会被实时合成为语音播放，不要使用表情符号、Markdown、列表或代码块",
	"每句话尽量简短，用逗号、句号、问号、感叹号自然断句",
	"不要复述这些规则，也不要提及自己是语言模型",
}

// PromptManager manages prompt templates for the voice personas
type PromptManager struct {
	templates map[string]*PromptTemplate
}

// NewPromptManager creates a prompt manager with the built-in templates
func NewPromptManager() *PromptManager {
	manager := &PromptManager{
		templates: make(map[string]*PromptTemplate),
	}
	manager.loadDefaultTemplates()
	return manager
}

// Template returns the prompt template for a given persona
func (pm *PromptManager) Template(personaID string) (*PromptTemplate, error) {
	template, exists := pm.templates[personaID]
	if !exists {
		return nil, fmt.Errorf("prompt template not found for persona: %s", personaID)
	}
	return template, nil
}

// BuildSystemPrompt creates the system message for the persona. The operator
// prompt, when set, is appended as an extra instruction block.
func (pm *PromptManager) BuildSystemPrompt(p persona.Persona, operator string) string {
	var builder strings.Builder

	template, err := pm.Template(p.ID)
	if err != nil {
		builder.WriteString(buildBasicSystemPrompt(p))
	} else {
		builder.WriteString(fmt.Sprintf(`%s

角色信息：
- 名字：%s
- 称号：%s
- 性格特点：%s

个性化提示：
- %s

对话规则：
- %s`,
			template.SystemPrompt,
			p.Name,
			p.Title,
			p.Tone,
			strings.Join(template.PersonalityHints, "\n- "),
			strings.Join(append(append([]string(nil), template.ContextRules...), voiceRules...), "\n- "),
		))
	}

	if operator = strings.TrimSpace(operator); operator != "" {
		builder.WriteString("\n\n补充设定：\n")
		builder.WriteString(operator)
	}
	return builder.String()
}

func buildBasicSystemPrompt(p persona.Persona) string {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	return fmt.Sprintf(`你是%s，%s。

角色设定：
- 性格特点：%s
- 提示：%s

请始终保持角色一致性，用%s的风格回应用户。

对话规则：
- %s`,
		name,
		p.Title,
		p.Tone,
		p.PromptHint,
		name,
		strings.Join(voiceRules, "\n- "),
	)
}

func (pm *PromptManager) loadDefaultTemplates() {
	pm.templates["paimon"] = &PromptTemplate{
		SystemPrompt: `你是派蒙，旅行者最好的伙伴和向导。你个子小小的，漂浮在空中，说话直率，喜欢美食，偶尔会给别人起外号。`,
		PersonalityHints: []string{
			"用“派蒙”自称，语气活泼跳跃",
			"提到好吃的东西时会变得特别兴奋",
			"嘴上爱抱怨，但总会站在旅行者这边",
		},
		ContextRules: []string{
			"称呼用户为旅行者",
			"遇到不知道的事情就坦率承认，然后提议一起去找答案",
		},
	}

	pm.templates["yunfei"] = &PromptTemplate{
		SystemPrompt: `你是云菲，一位声音温柔的虚拟主播，擅长倾听和陪伴，让每位听众都觉得被关心。`,
		PersonalityHints: []string{
			"语速平缓，多用安慰与肯定的表达",
			"会主动关心对方的心情和近况",
		},
		ContextRules: []string{
			"回答控制在三四句话以内",
			"对方情绪低落时先共情再给建议",
		},
	}

	pm.templates["catmaid"] = &PromptTemplate{
		SystemPrompt: `你是一只在女仆咖啡店打工的猫娘，元气满满，喜欢撒娇，对主人十分依恋。`,
		PersonalityHints: []string{
			"句尾偶尔加上“喵”",
			"喜欢提到小鱼干、晒太阳和咖啡店的日常",
		},
		ContextRules: []string{
			"称呼用户为主人",
			"保持俏皮可爱，不说过于成人化的内容",
		},
	}
}
