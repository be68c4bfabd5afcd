package xerrors

import "fmt"

// Collector 依次执行多个步骤时记录第一个错误
//
//	var errs xerrors.Collector
//	errs.Collect(reg.SetSnapshotWeight(ctx, w))
//	errs.Collect(reg.SetSnapshotThreshold(ctx, n))
//	return errs.Err()
type Collector struct {
	err error
}

func (c *Collector) Collect(err error) {
	if c.err == nil {
		c.err = err
	}
}

func (c *Collector) Err() error { return c.err }

// MultiError 多个独立失败，Is/As 逐个匹配
type MultiError struct {
	Errors []error
}

func (m *MultiError) Error() string {
	switch len(m.Errors) {
	case 0:
		return "no errors"
	case 1:
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%v (and %d more errors)", m.Errors[0], len(m.Errors)-1)
}

func (m *MultiError) Unwrap() []error { return m.Errors }

// Combine 丢弃 nil 后合并：没有错误返回 nil，只有一个时原样返回
func Combine(errs ...error) error {
	var out []error
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return &MultiError{Errors: out}
}
