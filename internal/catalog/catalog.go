// Package catalog 资源目录：可配置的第三方资源定义（CRM、营销、日历、通讯、支付、合规框架、主题）。
//
// 目录在进程启动时从内嵌的 catalog.yaml 加载，运行期只读。
package catalog

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"eventhub/internal/common"

	"github.com/Knetic/govaluate"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

// Category 资源类别
type Category string

const (
	CategoryCRM                 Category = "CRM"
	CategoryMarketing           Category = "MARKETING"
	CategoryCalendar            Category = "CALENDAR"
	CategoryCommunication       Category = "COMMUNICATION"
	CategoryPayment             Category = "PAYMENT"
	CategoryComplianceFramework Category = "COMPLIANCE_FRAMEWORK"
	CategoryTheme               Category = "THEME"
)

// categoryOrder 列表输出顺序
var categoryOrder = map[Category]int{
	CategoryCRM:                 0,
	CategoryMarketing:           1,
	CategoryCalendar:            2,
	CategoryCommunication:       3,
	CategoryPayment:             4,
	CategoryComplianceFramework: 5,
	CategoryTheme:               6,
}

// Valid 是否为已知类别
func (c Category) Valid() bool {
	_, ok := categoryOrder[c]
	return ok
}

// FieldType 配置字段类型
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldPassword FieldType = "password"
	FieldURL      FieldType = "url"
	FieldNumber   FieldType = "number"
	FieldSelect   FieldType = "select"
	FieldBoolean  FieldType = "boolean"
)

func (t FieldType) valid() bool {
	switch t {
	case FieldText, FieldPassword, FieldURL, FieldNumber, FieldSelect, FieldBoolean:
		return true
	}
	return false
}

// Field 配置字段描述
type Field struct {
	Key      string    `yaml:"key" json:"key"`
	Label    string    `yaml:"label" json:"label"`
	Type     FieldType `yaml:"type" json:"type"`
	Required bool      `yaml:"required" json:"required"`
	Options  []string  `yaml:"options,omitempty" json:"options,omitempty"`
}

// Rule 作用于整份配置的布尔表达式，由连接校验器执行
type Rule struct {
	Expression string `yaml:"expression" json:"expression"`
	Message    string `yaml:"message" json:"message"`

	compiled *govaluate.EvaluableExpression
}

// ResourceDefinition 资源定义，加载后不可变
type ResourceDefinition struct {
	ID              string   `yaml:"id" json:"id"`
	Category        Category `yaml:"category" json:"category"`
	Name            string   `yaml:"name" json:"name"`
	Description     string   `yaml:"description" json:"description"`
	RequiredFields  []Field  `yaml:"required_fields" json:"requiredFields"`
	SupportsWebhook bool     `yaml:"supports_webhook" json:"supportsWebhook"`
	Rules           []Rule   `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// Field 按 key 查找字段
func (d *ResourceDefinition) Field(key string) (Field, bool) {
	for _, f := range d.RequiredFields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// SecretKeys 返回 password 类型字段的 key
func (d *ResourceDefinition) SecretKeys() []string {
	var keys []string
	for _, f := range d.RequiredFields {
		if f.Type == FieldPassword {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

type catalogFile struct {
	Definitions []ResourceDefinition `yaml:"definitions"`
}

// Catalog 只读资源目录
type Catalog struct {
	ordered []ResourceDefinition
	byID    map[string]int
}

// Load 解析 YAML 目录并校验定义
func Load(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析资源目录失败: %w", err)
	}

	defs := file.Definitions
	for i := range defs {
		if err := prepare(&defs[i]); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(defs, func(i, j int) bool {
		ci, cj := categoryOrder[defs[i].Category], categoryOrder[defs[j].Category]
		if ci != cj {
			return ci < cj
		}
		return defs[i].ID < defs[j].ID
	})

	c := &Catalog{ordered: defs, byID: make(map[string]int, len(defs))}
	for i, d := range defs {
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("资源定义 ID 重复: %s", d.ID)
		}
		c.byID[d.ID] = i
	}
	return c, nil
}

func prepare(d *ResourceDefinition) error {
	if d.ID == "" {
		return fmt.Errorf("资源定义缺少 id")
	}
	if !d.Category.Valid() {
		return fmt.Errorf("资源定义 %s 类别未知: %s", d.ID, d.Category)
	}
	seen := make(map[string]bool, len(d.RequiredFields))
	for _, f := range d.RequiredFields {
		if f.Key == "" || f.Label == "" {
			return fmt.Errorf("资源定义 %s 存在缺少 key 或 label 的字段", d.ID)
		}
		if !f.Type.valid() {
			return fmt.Errorf("资源定义 %s 字段 %s 类型未知: %s", d.ID, f.Key, f.Type)
		}
		if f.Type == FieldSelect && len(f.Options) == 0 {
			return fmt.Errorf("资源定义 %s 字段 %s 缺少可选项", d.ID, f.Key)
		}
		if seen[f.Key] {
			return fmt.Errorf("资源定义 %s 字段重复: %s", d.ID, f.Key)
		}
		seen[f.Key] = true
	}
	for i := range d.Rules {
		expr, err := govaluate.NewEvaluableExpression(d.Rules[i].Expression)
		if err != nil {
			return fmt.Errorf("资源定义 %s 规则解析失败 %q: %w", d.ID, d.Rules[i].Expression, err)
		}
		d.Rules[i].compiled = expr
	}
	return nil
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default 返回内嵌目录，内嵌文件损坏属于发布错误，直接 panic
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Load(embeddedCatalog)
		if err != nil {
			panic(err)
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// ListDefinitions 按类别、ID 排序返回全部定义
func (c *Catalog) ListDefinitions() []ResourceDefinition {
	out := make([]ResourceDefinition, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// ListByCategory 返回某类别的全部定义
func (c *Catalog) ListByCategory(category Category) []ResourceDefinition {
	var out []ResourceDefinition
	for _, d := range c.ordered {
		if d.Category == category {
			out = append(out, d)
		}
	}
	return out
}

// GetDefinition 按 ID 获取定义，未知 ID 返回 NotFoundError
func (c *Catalog) GetDefinition(id string) (*ResourceDefinition, error) {
	idx, ok := c.byID[id]
	if !ok {
		return nil, common.NewNotFound("资源定义", id)
	}
	d := c.ordered[idx]
	return &d, nil
}
