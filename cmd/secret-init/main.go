// 把市场 API key 写进加密凭据库，之后 watcher 可以不在配置/环境变量里放明文。
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/nftbot/gonft/pkg/secretstore"
)

func main() {
	var (
		dbPath    = flag.String("db", getenv("SECRETSTORE_PATH", "data/secrets.badger"), "凭据库路径")
		secretKey = flag.String("secret-key", getenv("SECRETSTORE_KEY", ""), "加密密钥（32 字节 hex/base64）")
		apiKey    = flag.String("api-key", "", "市场 API key（留空时从 stdin 读取）")
	)
	flag.Parse()

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("需要加密密钥: 设置 SECRETSTORE_KEY 或传 -secret-key"))
	}

	value := strings.TrimSpace(*apiKey)
	if value == "" {
		fmt.Fprint(os.Stderr, "输入市场 API key: ")
		if _, err := fmt.Scanln(&value); err != nil {
			fatal(fmt.Errorf("读取 API key 失败: %w", err))
		}
		value = strings.TrimSpace(value)
	}
	if value == "" {
		fatal(fmt.Errorf("API key 为空"))
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: keyBytes,
	})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	if err := ss.SetString(secretstore.KeyMarketplaceAPIKey, value); err != nil {
		fatal(err)
	}
	fmt.Printf("已写入 %s -> %s\n", secretstore.KeyMarketplaceAPIKey, *dbPath)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "错误:", err)
	os.Exit(1)
}
