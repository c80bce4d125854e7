package explorer

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"ChainPilot/internal/knowledge"
	"ChainPilot/internal/web3"
)

// Interaction 是与合约相关的一笔交易。
type Interaction struct {
	TransactionHash string `json:"transactionHash"`
	BlockNumber     uint64 `json:"blockNumber"`
	Timestamp       uint64 `json:"timestamp"`
	From            string `json:"from"`
	To              string `json:"to,omitempty"`
	Value           string `json:"value"`
	Selector        string `json:"selector,omitempty"`
	Function        string `json:"function,omitempty"`
}

// HistorySource 提供合约的交互历史。没有历史时返回空列表而不是错误。
type HistorySource interface {
	History(ctx context.Context, address string, limit int) ([]Interaction, error)
}

// NoHistory 不提供任何历史，用于没有索引服务的部署。
type NoHistory struct{}

// History 总是返回空列表。
func (NoHistory) History(context.Context, string, int) ([]Interaction, error) {
	return []Interaction{}, nil
}

// ChainHistorySource 通过逐块扫描最近的区块收集交互历史。
type ChainHistorySource struct {
	reader web3.Reader
	blocks int
}

// NewChainHistorySource 创建按区块扫描的历史来源，blocks 为扫描的区块数。
func NewChainHistorySource(reader web3.Reader, blocks int) *ChainHistorySource {
	if blocks <= 0 {
		blocks = 50
	}
	return &ChainHistorySource{reader: reader, blocks: blocks}
}

// History 从最新区块向前扫描，返回最多 limit 条记录。
func (s *ChainHistorySource) History(ctx context.Context, address string, limit int) ([]Interaction, error) {
	target := common.HexToAddress(address)
	latest, err := s.reader.Block(ctx, nil, true)
	if err != nil {
		return nil, err
	}

	interactions := []Interaction{}
	block := latest
	for scanned := 0; scanned < s.blocks; scanned++ {
		if scanned > 0 {
			if block.Number == 0 {
				break
			}
			block, err = s.reader.Block(ctx, new(big.Int).SetUint64(block.Number-1), true)
			if err != nil {
				return interactions, err
			}
		}
		for _, tx := range block.Transactions {
			if tx.From != target && (tx.To == nil || *tx.To != target) {
				continue
			}
			interactions = append(interactions, toInteraction(block, tx))
			if limit > 0 && len(interactions) >= limit {
				return interactions, nil
			}
		}
	}
	return interactions, nil
}

func toInteraction(block *web3.Block, tx web3.TransactionSummary) Interaction {
	item := Interaction{
		TransactionHash: tx.Hash.Hex(),
		BlockNumber:     block.Number,
		Timestamp:       block.Timestamp,
		From:            strings.ToLower(tx.From.Hex()),
		Value:           "0",
	}
	if tx.To != nil {
		item.To = strings.ToLower(tx.To.Hex())
	}
	if tx.Value != nil {
		item.Value = tx.Value.String()
	}
	if len(tx.Input) >= 4 {
		item.Selector = hexutil.Encode(tx.Input[:4])
		if known, ok := knowledge.LookupSelector(item.Selector); ok {
			item.Function = known.Name
		}
	}
	return item
}
