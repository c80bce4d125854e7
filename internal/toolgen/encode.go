package toolgen

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"ChainPilot/internal/contract"
	xerrors "ChainPilot/internal/errors"
)

// BuildMethod 由合约函数构造 go-ethereum 的 abi.Method。
func BuildMethod(fn contract.Function) (abi.Method, error) {
	inputs, err := contract.Arguments(fn.Inputs)
	if err != nil {
		return abi.Method{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造函数输入失败")
	}
	outputs, err := contract.Arguments(fn.Outputs)
	if err != nil {
		return abi.Method{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造函数输出失败")
	}
	return abi.NewMethod(fn.Name, fn.Name, abi.Function, fn.StateMutability, fn.IsRead(), fn.IsPayable(), inputs, outputs), nil
}

// EncodeCall 编码调用数据。占位函数只使用选择器加上原始 calldata。
func EncodeCall(fn contract.Function, args map[string]any) ([]byte, error) {
	if fn.IsPlaceholder() {
		data := common.FromHex(fn.Selector)
		if raw, ok := args[FieldCalldata]; ok {
			extra, err := decodeHex(raw)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "calldata 非法")
			}
			data = append(data, extra...)
		}
		return data, nil
	}
	method, err := BuildMethod(fn)
	if err != nil {
		return nil, err
	}
	values, err := PrepareFunctionArguments(fn, args)
	if err != nil {
		return nil, err
	}
	packed, err := method.Inputs.Pack(values...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("编码 %s 参数失败", fn.Name))
	}
	return append(append([]byte{}, method.ID...), packed...), nil
}

// DecodeOutputs 解码返回值：单个值直接返回，多个值按名称组成对象。
func DecodeOutputs(fn contract.Function, output []byte) (any, error) {
	if fn.IsPlaceholder() || len(fn.Outputs) == 0 {
		if len(output) == 0 {
			return nil, nil
		}
		return hexutil.Encode(output), nil
	}
	method, err := BuildMethod(fn)
	if err != nil {
		return nil, err
	}
	values, err := method.Outputs.Unpack(output)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStepExecutionFailed, err, fmt.Sprintf("解码 %s 返回值失败", fn.Name))
	}
	return FormatOutputs(fn.Outputs, values), nil
}

// FormatOutputs 将解码后的值转换为便于序列化的形式。
func FormatOutputs(params []contract.Parameter, values []any) any {
	if len(values) == 1 {
		return FormatValue(values[0])
	}
	out := make(map[string]any, len(values))
	for i, v := range values {
		name := fmt.Sprintf("output%d", i)
		if i < len(params) && params[i].Name != "" {
			name = params[i].Name
		}
		out[name] = FormatValue(v)
	}
	return out
}

// FormatValue 将 ABI 值转换为字符串、布尔、数组或对象。整数统一输出十进制字符串。
func FormatValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case *big.Int:
		return val.String()
	case common.Address:
		return val.Hex()
	case common.Hash:
		return val.Hex()
	case []byte:
		return hexutil.Encode(val)
	case string, bool:
		return val
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fmt.Sprintf("%d", rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fmt.Sprintf("%d", rv.Uint())
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return hexutil.Encode(b)
		}
		fallthrough
	case reflect.Slice:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = FormatValue(rv.Index(i).Interface())
		}
		return items
	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			field := rv.Type().Field(i)
			name := strings.Split(field.Tag.Get("json"), ",")[0]
			if name == "" {
				name = field.Name
			}
			out[name] = FormatValue(rv.Field(i).Interface())
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return FormatValue(rv.Elem().Interface())
	}
	return fmt.Sprint(v)
}
