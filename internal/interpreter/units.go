package interpreter

import (
	"fmt"
	"math/big"
	"strings"
)

// 常用单位的小数位数。
var unitDecimals = map[string]int{
	"wei":   0,
	"gwei":  9,
	"eth":   18,
	"ether": 18,
}

// ParseUnits 将十进制字符串按 decimals 转换为最小单位整数，小数位超出时报错。
func ParseUnits(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("数量为空")
	}
	whole, fraction, _ := strings.Cut(amount, ".")
	if len(fraction) > decimals {
		return nil, fmt.Errorf("数量 %s 的小数位超过 %d 位", amount, decimals)
	}
	digits := whole + fraction + strings.Repeat("0", decimals-len(fraction))
	value, ok := new(big.Int).SetString(digits, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("无法解析数量 %q", amount)
	}
	return value, nil
}

// FormatUnits 将最小单位整数格式化为十进制字符串，并去掉末尾的 0。
func FormatUnits(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	negative := value.Sign() < 0
	text := new(big.Int).Abs(value).String()
	if decimals > 0 {
		if len(text) <= decimals {
			text = strings.Repeat("0", decimals-len(text)+1) + text
		}
		whole, fraction := text[:len(text)-decimals], strings.TrimRight(text[len(text)-decimals:], "0")
		text = whole
		if fraction != "" {
			text += "." + fraction
		}
	}
	if negative {
		return "-" + text
	}
	return text
}

// ToWei 按实体中的单位把金额转换为 wei，代币和未知单位按 18 位小数处理。
func ToWei(amount, unit string) (*big.Int, error) {
	decimals, ok := unitDecimals[strings.ToLower(unit)]
	if !ok {
		decimals = 18
	}
	return ParseUnits(amount, decimals)
}
