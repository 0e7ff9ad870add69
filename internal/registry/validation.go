package registry

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hewenyu/fleet-core/pkg/model"
)

// serverPatch 描述update时允许校验的字段，nil表示未修改
type serverPatch struct {
	Name        *string             `json:"name" validate:"omitnil,min=1"`
	Region      *string             `json:"region" validate:"omitnil,min=1"`
	Latitude    *float64            `json:"latitude"`
	Longitude   *float64            `json:"longitude"`
	Status      *model.ServerStatus `json:"status" validate:"omitnil,oneof=active inactive"`
	Type        *model.ServerType   `json:"type" validate:"omitnil,oneof=primary backup testing"`
	Capacity    *int                `json:"capacity" validate:"omitnil,min=0"`
	CurrentLoad *float64            `json:"currentLoad" validate:"omitnil,min=0,max=100"`
	LastBackup  *time.Time          `json:"lastBackup"`
	LastUsed    *time.Time          `json:"lastUsed"`
	Downtime    *int64              `json:"downtime" validate:"omitnil,min=0"`
	BackupCount *int                `json:"backupCount" validate:"omitnil,min=0"`
	Config      map[string]any      `json:"config"`
}

// immutableFields 不能通过update修改的字段
// usage只能经由RecordUsage追加
var immutableFields = []string{"createdAt", "usage"}

// NewValidator 创建使用JSON字段名报告错误的校验器
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateInput 校验新增服务器的输入
func validateInput(v *validator.Validate, input *model.ServerInput) error {
	fields := fieldErrors(v.Struct(input))

	if input.Latitude != nil && !model.Finite(input.Latitude) {
		fields = append(fields, "latitude")
	}
	if input.Longitude != nil && !model.Finite(input.Longitude) {
		fields = append(fields, "longitude")
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: dedupe(fields)}
	}
	return nil
}

// validatePatch 校验更新补丁中已知字段的类型和取值
func validatePatch(v *validator.Validate, patch map[string]any) error {
	var fields []string
	for _, name := range immutableFields {
		if _, ok := patch[name]; ok {
			fields = append(fields, name)
		}
	}

	data, err := json.Marshal(patch)
	if err != nil {
		return &ValidationError{Fields: []string{"patch"}}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return &ValidationError{Fields: []string{"patch"}}
	}

	// 逐个字段解码，时间字段的解析错误不是UnmarshalTypeError，需要单独定位
	var typed serverPatch
	for name, value := range raw {
		single, _ := json.Marshal(map[string]json.RawMessage{name: value})
		if err := json.Unmarshal(single, &typed); err != nil {
			fields = append(fields, name)
		}
	}

	fields = append(fields, fieldErrors(v.Struct(&typed))...)
	if typed.Latitude != nil && !model.Finite(typed.Latitude) {
		fields = append(fields, "latitude")
	}
	if typed.Longitude != nil && !model.Finite(typed.Longitude) {
		fields = append(fields, "longitude")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: dedupe(fields)}
	}
	return nil
}

// fieldErrors 提取校验失败的字段名
func fieldErrors(err error) []string {
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return []string{"input"}
	}

	fields := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		fields = append(fields, fe.Field())
	}
	return fields
}

func dedupe(fields []string) []string {
	seen := make(map[string]struct{}, len(fields))
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		result = append(result, f)
	}
	sort.Strings(result)
	return result
}

// finite 用于补丁以外的内部检查
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
