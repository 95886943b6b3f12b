package metadata

import (
	"testing"

	"github.com/microsoft/go-winmd"
	"github.com/microsoft/go-winmd/flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseReference(t *testing.T) {
	assert.Nil(t, baseReference(""))
	assert.Nil(t, baseReference("System.Object"))
	assert.Nil(t, baseReference("System.ValueType"))

	base := baseReference("Contoso.Bank.Party")
	require.NotNil(t, base)
	assert.Equal(t, ReferenceTo("Contoso.Bank.Party"), *base)
}

func TestAccessorAccess(t *testing.T) {
	public := &winmd.MethodDef{Flags: flags.MethodAttributes_Public | flags.MethodAttributes_SpecialName}
	private := &winmd.MethodDef{Flags: flags.MethodAttributes_Private | flags.MethodAttributes_SpecialName}
	static := &winmd.MethodDef{Flags: flags.MethodAttributes_Public | flags.MethodAttributes_Static}

	cases := []struct {
		name                        string
		getter, setter              *winmd.MethodDef
		canRead, canWrite, isStatic bool
	}{
		{"read write", public, public, true, true, false},
		{"private setter", public, private, true, false, false},
		{"private getter", private, public, false, true, false},
		{"getter only", public, nil, true, false, false},
		{"setter only", nil, public, false, true, false},
		{"hidden", private, private, false, false, false},
		{"static", static, nil, true, false, true},
		{"static setter", private, static, false, true, true},
	}

	for _, c := range cases {
		canRead, canWrite, isStatic := accessorAccess(c.getter, c.setter)
		assert.Equal(t, c.canRead, canRead, c.name)
		assert.Equal(t, c.canWrite, canWrite, c.name)
		assert.Equal(t, c.isStatic, isStatic, c.name)
	}
}

func TestIsPlainPublicMethod(t *testing.T) {
	public := uint16(flags.MethodAttributes_Public)

	assert.True(t, isPlainPublicMethod(public, "Deposit"))
	assert.False(t, isPlainPublicMethod(public|uint16(flags.MethodAttributes_SpecialName), "get_Balance"))
	assert.False(t, isPlainPublicMethod(public, ".ctor"))
	assert.False(t, isPlainPublicMethod(uint16(flags.MethodAttributes_Family), "Audit"))
}

func TestResolveTypeName_TypeSpecIsUnsupported(t *testing.T) {
	reader := &WinMdReader{}

	_, err := reader.resolveTypeName(winmd.CodedIndex{Index: 3, Tag: 2})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestSplitAndJoinFullName(t *testing.T) {
	namespace, name := splitFullName("Contoso.Bank.Account")
	assert.Equal(t, "Contoso.Bank", namespace)
	assert.Equal(t, "Account", name)
	assert.Equal(t, "Contoso.Bank.Account", joinFullName(namespace, name))

	namespace, name = splitFullName("Account")
	assert.Equal(t, "", namespace)
	assert.Equal(t, "Account", joinFullName(namespace, name))
}
