package clog

import "context"

var discard Logger = discardLogger{}

// Discard 返回丢弃所有输出的 Logger，各组件未注入日志时使用
func Discard() Logger { return discard }

type discardLogger struct{}

func (discardLogger) Debug(string, ...Field)                         {}
func (discardLogger) Info(string, ...Field)                          {}
func (discardLogger) Warn(string, ...Field)                          {}
func (discardLogger) Error(string, ...Field)                         {}
func (discardLogger) Fatal(string, ...Field)                         {}
func (discardLogger) DebugContext(context.Context, string, ...Field) {}
func (discardLogger) InfoContext(context.Context, string, ...Field)  {}
func (discardLogger) WarnContext(context.Context, string, ...Field)  {}
func (discardLogger) ErrorContext(context.Context, string, ...Field) {}
func (discardLogger) FatalContext(context.Context, string, ...Field) {}
func (d discardLogger) With(...Field) Logger                         { return d }
func (d discardLogger) WithNamespace(...string) Logger               { return d }
func (discardLogger) SetLevel(Level) error                           { return nil }
func (discardLogger) Flush()                                         {}
