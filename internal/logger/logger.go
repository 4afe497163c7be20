// Package logger пишет логи с префиксом сервиса асинхронно, чтобы не блокировать
// горячие пути (рассылку, транзакции). Умеет логировать время выполнения функций.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	asyncBufferSize = 8192
	// slowThreshold - на уровне info логируются только вызовы дольше этого.
	slowThreshold = 100 * time.Millisecond
)

type level int32

const (
	levelDebug level = iota
	levelInfo
)

var (
	prefix   atomic.Pointer[string]
	logLevel atomic.Int32
	dropped  atomic.Int64

	out     = log.New(os.Stderr, "", log.LstdFlags)
	ch      chan string
	pending sync.WaitGroup
	once    sync.Once
)

func parseLevel(s string) level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return levelDebug
	default:
		return levelInfo
	}
}

func initWorker() {
	if os.Getenv("LOG_LEVEL") != "" {
		logLevel.Store(int32(parseLevel(os.Getenv("LOG_LEVEL"))))
	}
	ch = make(chan string, asyncBufferSize)
	go func() {
		for msg := range ch {
			out.Print(msg)
			pending.Done()
		}
	}()
}

func init() {
	logLevel.Store(int32(levelInfo))
}

func enqueue(msg string) {
	once.Do(initWorker)
	pending.Add(1)
	select {
	case ch <- msg:
	default:
		// Буфер полон: запись теряется, счётчик попадёт в лог при Flush.
		pending.Done()
		dropped.Add(1)
	}
}

// SetPrefix задаёт префикс для всех последующих логов (например "chatengine").
func SetPrefix(p string) {
	prefix.Store(&p)
}

// SetLevel задаёт уровень ("debug" или "info") из конфигурации.
func SetLevel(s string) {
	once.Do(initWorker)
	logLevel.Store(int32(parseLevel(s)))
}

// SetOutput перенаправляет вывод (для тестов).
func SetOutput(w io.Writer) {
	out.SetOutput(w)
}

func debugEnabled() bool { return level(logLevel.Load()) == levelDebug }

func tag() string {
	p := prefix.Load()
	if p == nil || *p == "" {
		return ""
	}
	return "[" + *p + "] "
}

func Info(v ...any) {
	enqueue(tag() + fmt.Sprint(v...))
}

func Infof(format string, v ...any) {
	enqueue(tag() + fmt.Sprintf(format, v...))
}

// Debugf пишет только при уровне debug.
func Debugf(format string, v ...any) {
	if debugEnabled() {
		enqueue(tag() + "DEBUG: " + fmt.Sprintf(format, v...))
	}
}

func Error(v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprint(v...))
}

func Errorf(format string, v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprintf(format, v...))
}

// LogDuration логирует имя функции и время выполнения в миллисекундах.
// На уровне info - только вызовы дольше 100ms, на debug - все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if debugEnabled() || elapsed >= slowThreshold {
		enqueue(fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration возвращает функцию для defer: defer logger.DeferLogDuration("HandlerName", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}

// Flush ждёт, пока очередь записей опустеет, но не дольше timeout. Вызывается при остановке.
func Flush(timeout time.Duration) {
	once.Do(initWorker)
	if n := dropped.Swap(0); n > 0 {
		Errorf("logger: %d records dropped (buffer full)", n)
	}
	done := make(chan struct{})
	go func() {
		pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
