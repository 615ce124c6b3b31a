package main

import (
	"fmt"
	"os"

	"papertrade-go/app"
)

func main() {
	runner, err := app.NewRunner()
	if err != nil {
		fmt.Printf("配置加载失败: %v\n", err)
		os.Exit(1)
	}
	if err := runner.Setup(); err != nil {
		fmt.Printf("初始化失败: %v\n", err)
		os.Exit(1)
	}
	if err := runner.Run(os.Getenv("MODE")); err != nil {
		fmt.Printf("启动失败: %v\n", err)
		os.Exit(1)
	}
}
