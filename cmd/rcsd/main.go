// Команда rcsd запускает движок сессий RCS как отдельный процесс: принимает
// SIP запросы, ведет журнал событий и отдает метрики Prometheus.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
