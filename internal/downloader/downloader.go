package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
)

// QuoteDownloader 从币安下载K线并合成回放用的报价文件
type QuoteDownloader struct {
	client *binance.Client
}

// NewQuoteDownloader 创建一个新的下载器实例
func NewQuoteDownloader() *QuoteDownloader {
	return &QuoteDownloader{
		client: binance.NewClient("", ""), // 公共接口不需要API Key
	}
}

// DownloadQuotes 下载指定交易对和时间范围内的1分钟K线, 以收盘价为中点、
// halfSpreadPct 为半价差合成买卖价, 写入 CSV (timestamp_ms,bid,ask)。
// 历史K线没有盘口数据, 这是回放模式下可执行价的近似。
// 如果文件已存在, 则会跳过下载, 直接使用缓存。
func (d *QuoteDownloader) DownloadQuotes(symbol, filePath string, startTime, endTime time.Time, halfSpreadPct float64) error {
	if _, err := os.Stat(filePath); !os.IsNotExist(err) {
		fmt.Printf("从缓存加载数据: %s\n", filePath)
		return nil
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %v", dir, err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %v", filePath, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"timestamp_ms", "bid", "ask"}); err != nil {
		return err
	}

	// 币安单次最多返回1000根K线, 按窗口分段拉取
	start := startTime.UnixMilli()
	end := endTime.UnixMilli()
	for start < end {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval("1m").
			StartTime(start).
			EndTime(end).
			Limit(1000).
			Do(context.Background())
		if err != nil {
			return fmt.Errorf("下载 %s K线失败: %v", symbol, err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			closePrice, err := strconv.ParseFloat(k.Close, 64)
			if err != nil || closePrice <= 0 {
				continue
			}
			bid := closePrice * (1 - halfSpreadPct)
			ask := closePrice * (1 + halfSpreadPct)
			row := []string{
				strconv.FormatInt(k.CloseTime, 10),
				strconv.FormatFloat(bid, 'f', -1, 64),
				strconv.FormatFloat(ask, 'f', -1, 64),
			}
			if err := writer.Write(row); err != nil {
				return err
			}
		}

		start = klines[len(klines)-1].CloseTime + 1
		time.Sleep(200 * time.Millisecond) // 控制请求频率
	}

	fmt.Printf("已生成报价文件: %s\n", filePath)
	return nil
}
