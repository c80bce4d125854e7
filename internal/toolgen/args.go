package toolgen

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/contract"
	xerrors "ChainPilot/internal/errors"
)

// PrepareFunctionArguments 将输入转换为 go-ethereum ABI 编码所需的 Go 值，
// 顺序与函数参数一致。
func PrepareFunctionArguments(fn contract.Function, args map[string]any) ([]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	values := make([]any, 0, len(fn.Inputs))
	for i, input := range fn.Inputs {
		name := ArgumentName(input, i)
		raw, ok := args[name]
		if !ok {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "缺少参数 %s", name)
		}
		typ, err := input.ABIType()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("参数 %s 的类型 %s 无法识别", name, input.Type))
		}
		value, err := ConvertValue(typ, raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("参数 %s 转换失败", name))
		}
		values = append(values, value)
	}
	return values, nil
}

// ConvertValue 按 ABI 类型转换单个值。
func ConvertValue(typ abi.Type, raw any) (any, error) {
	v, err := convert(typ, raw)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

func convert(typ abi.Type, raw any) (reflect.Value, error) {
	switch typ.T {
	case abi.IntTy, abi.UintTy:
		return convertInteger(typ, raw)
	case abi.BoolTy:
		switch v := raw.(type) {
		case bool:
			return reflect.ValueOf(v), nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true":
				return reflect.ValueOf(true), nil
			case "false":
				return reflect.ValueOf(false), nil
			}
		}
		return reflect.Value{}, fmt.Errorf("无法将 %v 转换为 bool", raw)
	case abi.AddressTy:
		text, ok := raw.(string)
		if !ok {
			if addr, isAddr := raw.(common.Address); isAddr {
				return reflect.ValueOf(addr), nil
			}
			return reflect.Value{}, fmt.Errorf("地址应为字符串")
		}
		if !common.IsHexAddress(text) {
			return reflect.Value{}, fmt.Errorf("地址格式非法: %s", text)
		}
		return reflect.ValueOf(common.HexToAddress(text)), nil
	case abi.StringTy:
		text, ok := raw.(string)
		if !ok {
			return reflect.Value{}, fmt.Errorf("应为字符串")
		}
		return reflect.ValueOf(text), nil
	case abi.BytesTy:
		b, err := decodeHex(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(b), nil
	case abi.FixedBytesTy:
		b, err := decodeHex(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		if len(b) > typ.Size {
			return reflect.Value{}, fmt.Errorf("bytes%d 最多 %d 字节，实际 %d 字节", typ.Size, typ.Size, len(b))
		}
		arr := reflect.New(typ.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr, nil
	case abi.SliceTy, abi.ArrayTy:
		items, ok := raw.([]any)
		if !ok {
			return reflect.Value{}, fmt.Errorf("应为数组")
		}
		var out reflect.Value
		if typ.T == abi.ArrayTy {
			if len(items) != typ.Size {
				return reflect.Value{}, fmt.Errorf("定长数组需要 %d 个元素，实际 %d 个", typ.Size, len(items))
			}
			out = reflect.New(typ.GetType()).Elem()
		} else {
			out = reflect.MakeSlice(typ.GetType(), len(items), len(items))
		}
		for i, item := range items {
			elem, err := convert(*typ.Elem, item)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("第 %d 个元素: %w", i, err)
			}
			out.Index(i).Set(elem)
		}
		return out, nil
	case abi.TupleTy:
		obj, ok := raw.(map[string]any)
		if !ok {
			return reflect.Value{}, fmt.Errorf("应为对象")
		}
		out := reflect.New(typ.GetType()).Elem()
		for i, elemType := range typ.TupleElems {
			name := typ.TupleRawNames[i]
			if name == "" {
				name = fmt.Sprintf("arg%d", i)
			}
			item, ok := obj[name]
			if !ok {
				return reflect.Value{}, fmt.Errorf("缺少字段 %s", name)
			}
			elem, err := convert(*elemType, item)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("字段 %s: %w", name, err)
			}
			out.Field(i).Set(elem)
		}
		return out, nil
	default:
		return reflect.Value{}, fmt.Errorf("不支持的参数类型 %s", typ.String())
	}
}

func convertInteger(typ abi.Type, raw any) (reflect.Value, error) {
	n, err := ParseBigInt(raw)
	if err != nil {
		return reflect.Value{}, err
	}
	if typ.T == abi.UintTy {
		if n.Sign() < 0 {
			return reflect.Value{}, fmt.Errorf("uint%d 不接受负数", typ.Size)
		}
		if n.BitLen() > typ.Size {
			return reflect.Value{}, fmt.Errorf("数值超出 uint%d 范围", typ.Size)
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(typ.Size-1))
		if n.Cmp(limit) >= 0 || n.Cmp(new(big.Int).Neg(limit)) < 0 {
			return reflect.Value{}, fmt.Errorf("数值超出 int%d 范围", typ.Size)
		}
	}

	goType := typ.GetType()
	if goType == reflect.TypeOf(&big.Int{}) {
		return reflect.ValueOf(n), nil
	}
	out := reflect.New(goType).Elem()
	if typ.T == abi.UintTy {
		out.SetUint(n.Uint64())
	} else {
		out.SetInt(n.Int64())
	}
	return out, nil
}

// ParseBigInt 接受十进制或 0x 十六进制字符串以及整数形式的 JSON 数字。
func ParseBigInt(raw any) (*big.Int, error) {
	switch v := raw.(type) {
	case *big.Int:
		if v == nil {
			return nil, fmt.Errorf("数值为空")
		}
		return new(big.Int).Set(v), nil
	case int:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case float64:
		if v != float64(int64(v)) {
			return nil, fmt.Errorf("数值 %v 不是整数", v)
		}
		return big.NewInt(int64(v)), nil
	}
	text, ok := stringValue(raw)
	if !ok {
		return nil, fmt.Errorf("无法将 %v 解析为整数", raw)
	}
	text = strings.TrimSpace(text)
	n, ok := new(big.Int).SetString(text, 0)
	if !ok || text == "" {
		return nil, fmt.Errorf("无法将 %q 解析为整数", text)
	}
	return n, nil
}

func decodeHex(raw any) ([]byte, error) {
	switch v := raw.(type) {
	case []byte:
		return v, nil
	case string:
		text := strings.TrimSpace(v)
		if !strings.HasPrefix(text, "0x") && !strings.HasPrefix(text, "0X") {
			return nil, fmt.Errorf("十六进制数据需以 0x 开头")
		}
		if len(text)%2 != 0 || !compiled(PatternBytes).MatchString("0x"+text[2:]) {
			return nil, fmt.Errorf("十六进制数据格式非法: %s", text)
		}
		return common.FromHex(text), nil
	}
	return nil, fmt.Errorf("十六进制数据应为字符串")
}

// TransactionOverrides 从输入中解析 value、gasLimit、gasPrice。
func TransactionOverrides(args map[string]any) (value *big.Int, gasLimit uint64, gasPrice *big.Int, err error) {
	if raw, ok := args[FieldValue]; ok {
		if value, err = ParseBigInt(raw); err != nil {
			return nil, 0, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "value 非法")
		}
		if value.Sign() < 0 {
			return nil, 0, nil, xerrors.New(xerrors.CodeInvalidArgument, "value 不能为负数")
		}
	}
	if raw, ok := args[FieldGasLimit]; ok {
		n, parseErr := ParseBigInt(raw)
		if parseErr != nil || !n.IsUint64() {
			return nil, 0, nil, xerrors.New(xerrors.CodeInvalidArgument, "gasLimit 非法")
		}
		gasLimit = n.Uint64()
	}
	if raw, ok := args[FieldGasPrice]; ok {
		if gasPrice, err = ParseBigInt(raw); err != nil || gasPrice.Sign() < 0 {
			return nil, 0, nil, xerrors.New(xerrors.CodeInvalidArgument, "gasPrice 非法")
		}
	}
	return value, gasLimit, gasPrice, nil
}
