package config

import (
	"encoding/json"
	"fmt"
	"os"

	"pair-grid-bot-go/internal/models"

	"github.com/kelseyhightower/envconfig"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := &models.Config{}
	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, err
	}

	if config.MinProfitMultiple == 0 {
		config.MinProfitMultiple = 2
	}
	if config.RetryIntervalSec == 0 {
		config.RetryIntervalSec = 5
	}

	if config.Pair.Leg1 == "" || config.Pair.Leg2 == "" {
		return nil, fmt.Errorf("配置缺少交易配对: pair.leg1 和 pair.leg2 都必须设置")
	}
	if config.StrategyName == "" {
		config.StrategyName = "PairGridStrategy"
	}

	return config, nil
}

// LoadCredentials 从环境变量读取交易所API密钥, 仅实盘模式需要。
func LoadCredentials() (*models.Credentials, error) {
	creds := &models.Credentials{}
	if err := envconfig.Process("", creds); err != nil {
		return nil, err
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("环境变量 BINANCE_API_KEY 和 BINANCE_SECRET_KEY 必须被设置")
	}
	return creds, nil
}
