package account

import (
	"fmt"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/trie"
	"github.com/xlab/treeprint"
)

// Dump renders a region and its decoded layout.
func Dump(programID common.Pubkey, info *Info) treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(info.String())
	tag, err := TagOf(programID, info)
	if err != nil {
		tree.AddNode(fmt.Sprintf("error: %v", err))
		return tree
	}
	branch := tree.AddBranch(tag.String())
	blocked, _ := IsBlocked(programID, info)
	if blocked {
		branch.AddNode("blocked")
	}
	switch tag {
	case TagBalance:
		if b, err := BalanceFromAccount(programID, info); err == nil {
			branch.AddNode(fmt.Sprintf("address: %s", b.Address().Hex()))
			branch.AddNode(fmt.Sprintf("chain id: %d", b.ChainID()))
			branch.AddNode(fmt.Sprintf("nonce: %d", b.Nonce()))
			branch.AddNode(fmt.Sprintf("balance: %s", b.Balance().Dec()))
		}
	case TagContract:
		c, err := ContractFromAccount(programID, info)
		if err != nil {
			break
		}
		branch.AddNode(fmt.Sprintf("address: %s", c.Address().Hex()))
		branch.AddNode(fmt.Sprintf("chain id: %d", c.ChainID()))
		branch.AddNode(fmt.Sprintf("generation: %d", c.Generation()))
		branch.AddNode(fmt.Sprintf("code: %d bytes", c.CodeLen()))
		region := info.Data()[ContractHeaderSize+c.CodeLen():]
		if trie.IsFormatted(region) {
			if h, err := trie.New(region, false); err == nil {
				branch.AddBranch("storage").AddNode(h.Tree().String())
			}
		}
	case TagState:
		state, err := LoadState(programID, info)
		if err != nil {
			branch.AddNode(fmt.Sprintf("error: %v", err))
			break
		}
		branch.AddNode(fmt.Sprintf("trx: %s", state.trxHash.String()))
		branch.AddNode(fmt.Sprintf("origin: %s", state.origin.Hex()))
		branch.AddNode(fmt.Sprintf("gas used: %s", state.gasUsed.Dec()))
		branch.AddNode(fmt.Sprintf("steps: %d", state.steps))
		branch.AddNode(fmt.Sprintf("continuation: %d bytes", len(state.blob)))
		accounts := branch.AddBranch(fmt.Sprintf("accounts (%d)", len(state.accounts)))
		for _, key := range state.accounts {
			accounts.AddNode(key.Hex())
		}
	case TagHolder, TagStateFinalized:
		data := info.Data()
		if len(data) >= HolderHeaderSize {
			branch.AddNode(fmt.Sprintf("owner: %s", common.BytesToPubkey(data[holderOwnerOffset:holderHashOffset]).Hex()))
			branch.AddNode(fmt.Sprintf("trx: %s", common.BytesToHash(data[holderHashOffset:HolderHeaderSize]).String()))
		}
	case TagEmpty, TagLegacyAccountV3, TagHolderDeprecated, TagStateFinalizedDeprecated:
	}
	return tree
}
