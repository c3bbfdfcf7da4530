// Package logx is cadence's structured logger.
//
// Logger is a value type over zerolog. Derived loggers carry fixed fields and,
// when they come from a Service, follow level and sink changes made by
// Service.Apply during config hot reload. The zero Logger discards everything.
package logx
