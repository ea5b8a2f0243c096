package catalog

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"eventhub/internal/common"
	"eventhub/internal/security"
)

// Validate 按字段定义校验配置。
// 返回的 ValidationError 列出全部缺失的必填字段（按 label）以及全部格式错误的字段。
func Validate(def *ResourceDefinition, config map[string]string) error {
	verr := &common.ValidationError{}
	for _, f := range def.RequiredFields {
		value := strings.TrimSpace(config[f.Key])
		if value == "" {
			if f.Required {
				verr.Missing = append(verr.Missing, f.Label)
			}
			continue
		}
		if msg := checkType(f, value); msg != "" {
			verr.Invalid = append(verr.Invalid, fmt.Sprintf("%s (%s)", f.Label, msg))
		}
	}
	if verr.Empty() {
		return nil
	}
	return verr
}

// MissingRequired 只检查必填项，供连接校验器在任何策略下复用
func MissingRequired(def *ResourceDefinition, config map[string]string) []string {
	var missing []string
	for _, f := range def.RequiredFields {
		if f.Required && strings.TrimSpace(config[f.Key]) == "" {
			missing = append(missing, f.Label)
		}
	}
	return missing
}

func checkType(f Field, value string) string {
	switch f.Type {
	case FieldPassword:
		if security.IsEncrypted(value) {
			return "不能以 " + security.EncryptedPrefix + " 开头"
		}
	case FieldNumber:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return "需要数字"
		}
	case FieldBoolean:
		if _, err := strconv.ParseBool(value); err != nil {
			return "需要布尔值"
		}
	case FieldURL:
		u, err := url.Parse(value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "需要完整 URL"
		}
	case FieldSelect:
		if !slices.Contains(f.Options, value) {
			return "可选值: " + strings.Join(f.Options, "/")
		}
	}
	return ""
}

// EvaluateRules 执行定义上的规则表达式，返回未通过规则的提示信息。
// number 字段以 float64、boolean 字段以 bool 参与计算，缺省字段视为空字符串。
func (d *ResourceDefinition) EvaluateRules(config map[string]string) []string {
	if len(d.Rules) == 0 {
		return nil
	}
	params := d.ruleParameters(config)

	var failed []string
	for _, r := range d.Rules {
		expr := r.compiled
		if expr == nil {
			failed = append(failed, r.Message)
			continue
		}
		for _, v := range expr.Vars() {
			if _, ok := params[v]; !ok {
				params[v] = ""
			}
		}
		result, err := expr.Evaluate(params)
		if err != nil {
			failed = append(failed, r.Message)
			continue
		}
		if ok, isBool := result.(bool); !isBool || !ok {
			failed = append(failed, r.Message)
		}
	}
	return failed
}

func (d *ResourceDefinition) ruleParameters(config map[string]string) map[string]any {
	params := make(map[string]any, len(config))
	for k, v := range config {
		params[k] = strings.TrimSpace(v)
	}
	for _, f := range d.RequiredFields {
		raw, ok := config[f.Key]
		if !ok {
			params[f.Key] = ""
			continue
		}
		raw = strings.TrimSpace(raw)
		switch f.Type {
		case FieldNumber:
			if n, err := strconv.ParseFloat(raw, 64); err == nil {
				params[f.Key] = n
			}
		case FieldBoolean:
			if b, err := strconv.ParseBool(raw); err == nil {
				params[f.Key] = b
			}
		}
	}
	return params
}
