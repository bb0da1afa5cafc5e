package logging

import "fmt"

func fmtLine(v ...interface{}) string {
	return fmt.Sprint(v...)
}

func sprintf(format string, v ...interface{}) string {
	return fmt.Sprintf(format, v...)
}
