package fixed

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// WorkingDecimals 所有 USD 计价的中间结果统一到 18 位小数，
// 保证下游求和在同一精度上进行。
const WorkingDecimals = 18

var ErrParse = errors.New("invalid amount literal")

// Amount 定点数：任意精度整数 + 小数位数。所有价格/数量运算不走浮点。
type Amount struct {
	Value    *big.Int
	Decimals int32
}

// New 从 int64 构造。
func New(value int64, decimals int32) Amount {
	return Amount{Value: big.NewInt(value), Decimals: decimals}
}

// FromBig 包装一个已有的 big.Int（不拷贝，调用方不得再修改）。
func FromBig(value *big.Int, decimals int32) Amount {
	if value == nil {
		value = new(big.Int)
	}
	return Amount{Value: value, Decimals: decimals}
}

// Parse 解析人类可读的十进制字面量（如 "1.36207"）到指定小数位。
// 多余的小数位直接截断，不四舍五入，与 Rescale 语义一致。
func Parse(s string, decimals int32) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrParse, s)
	}
	v := d.Shift(decimals).Truncate(0).BigInt()
	return Amount{Value: v, Decimals: decimals}, nil
}

// MustParse 仅用于测试和常量初始化。
func MustParse(s string, decimals int32) Amount {
	a, err := Parse(s, decimals)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) big() *big.Int {
	if a.Value == nil {
		return new(big.Int)
	}
	return a.Value
}

// String 按小数位格式化，供日志/CLI 输出。
func (a Amount) String() string {
	return decimal.NewFromBigInt(a.big(), -a.Decimals).String()
}

func (a Amount) Sign() int    { return a.big().Sign() }
func (a Amount) IsZero() bool { return a.big().Sign() == 0 }

// Neg 返回相反数。
func (a Amount) Neg() Amount {
	return Amount{Value: new(big.Int).Neg(a.big()), Decimals: a.Decimals}
}

// Pow10 返回 10^n（n >= 0）。
func Pow10(n int32) *big.Int {
	if n < 0 {
		panic("fixed: negative power of ten")
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Rescale 调整小数位。升位补零无损；降位向零截断，永不进位。
func Rescale(a Amount, target int32) Amount {
	if a.Decimals == target {
		return Amount{Value: new(big.Int).Set(a.big()), Decimals: target}
	}
	v := new(big.Int)
	if target > a.Decimals {
		v.Mul(a.big(), Pow10(target-a.Decimals))
	} else {
		v.Quo(a.big(), Pow10(a.Decimals-target))
	}
	return Amount{Value: v, Decimals: target}
}

// Rescale 方法形式，便于链式调用。
func (a Amount) Rescale(target int32) Amount { return Rescale(a, target) }

// align 把两个量调到共同小数位（取较大者，避免精度损失）。
func align(a, b Amount) (Amount, Amount) {
	if a.Decimals == b.Decimals {
		return a, b
	}
	if a.Decimals > b.Decimals {
		return a, Rescale(b, a.Decimals)
	}
	return Rescale(a, b.Decimals), b
}

// Add 有符号相加，结果取两者较大的小数位。
func Add(a, b Amount) Amount {
	x, y := align(a, b)
	return Amount{Value: new(big.Int).Add(x.big(), y.big()), Decimals: x.Decimals}
}

// Sub 有符号相减，结果取两者较大的小数位。
func Sub(a, b Amount) Amount {
	x, y := align(a, b)
	return Amount{Value: new(big.Int).Sub(x.big(), y.big()), Decimals: x.Decimals}
}

// Cmp 比较两个量（先对齐精度）。
func Cmp(a, b Amount) int {
	x, y := align(a, b)
	return x.big().Cmp(y.big())
}

// MulDiv 计算 a*b/divisor。中间值走 big.Int，不存在 64 位乘法溢出；
// big.Int 的 Quo 本身就是向零截断。
func MulDiv(a, b, divisor *big.Int) *big.Int {
	if divisor == nil || divisor.Sign() == 0 {
		panic("fixed: MulDiv by zero")
	}
	p := new(big.Int).Mul(a, b)
	return p.Quo(p, divisor)
}

// CeilDiv 向远离零方向取整，用于"最少需要多少"类计算（如补仓额）。
func CeilDiv(numerator, denominator *big.Int) *big.Int {
	if denominator == nil || denominator.Sign() == 0 {
		panic("fixed: CeilDiv by zero")
	}
	q, r := new(big.Int).QuoRem(numerator, denominator, new(big.Int))
	if r.Sign() == 0 {
		return q
	}
	if (numerator.Sign() < 0) != (denominator.Sign() < 0) {
		return q.Sub(q, big.NewInt(1))
	}
	return q.Add(q, big.NewInt(1))
}
