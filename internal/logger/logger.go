// Package logger пишет логи с префиксом сервиса через асинхронную очередь,
// чтобы обработчики событий ленты и сокетов не блокировались на I/O.
package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

const asyncBufferSize = 8192

// Порог, после которого вызов логируется и на уровне info.
const slowCall = 100 * time.Millisecond

type level int

const (
	levelDebug level = iota
	levelInfo
	levelError
)

var (
	mu       sync.RWMutex
	prefix   string
	logLevel = levelInfo
	ch       chan string
	once     sync.Once
)

func initWorker() {
	ch = make(chan string, asyncBufferSize)
	go func() {
		for msg := range ch {
			log.Print(msg)
		}
	}()
}

func enqueue(l level, msg string) {
	mu.RLock()
	min := logLevel
	mu.RUnlock()
	if l < min {
		return
	}
	once.Do(initWorker)
	select {
	case ch <- msg:
	default:
		// Очередь переполнена: лог теряется, вызывающий не ждёт.
	}
}

// SetPrefix задаёт префикс для всех последующих логов (например "gateway").
func SetPrefix(p string) {
	mu.Lock()
	prefix = p
	mu.Unlock()
}

// SetLevel принимает "debug", "trace", "info" или "error"; неизвестное значение = info.
func SetLevel(s string) {
	l := levelInfo
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		l = levelDebug
	case "error":
		l = levelError
	}
	mu.Lock()
	logLevel = l
	mu.Unlock()
}

func tag() string {
	mu.RLock()
	defer mu.RUnlock()
	if prefix == "" {
		return ""
	}
	return "[" + prefix + "] "
}

func Debugf(format string, v ...any) {
	enqueue(levelDebug, tag()+"DEBUG: "+fmt.Sprintf(format, v...))
}

func Info(v ...any) {
	enqueue(levelInfo, tag()+fmt.Sprint(v...))
}

func Infof(format string, v ...any) {
	enqueue(levelInfo, tag()+fmt.Sprintf(format, v...))
}

func Error(v ...any) {
	enqueue(levelError, tag()+"ERROR: "+fmt.Sprint(v...))
}

func Errorf(format string, v ...any) {
	enqueue(levelError, tag()+"ERROR: "+fmt.Sprintf(format, v...))
}

// LogDuration логирует имя функции и время выполнения в миллисекундах.
// На уровне info пишутся только вызовы дольше slowCall, на debug все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	l := levelDebug
	if elapsed >= slowCall {
		l = levelInfo
	}
	enqueue(l, fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
}

// DeferLogDuration: defer logger.DeferLogDuration("requests.List", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
